// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"
)

func TestPathMatcher(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact unix path", "/usr/bin/curl", "/usr/bin/curl", true},
		{"case insensitive", "*\\Browser.EXE", `C:\Program Files\Browser\browser.exe`, true},
		{"glob over windows path", `*\browser.exe`, `C:\Apps\browser.exe`, true},
		{"bare name matches full path", "browser.exe", `C:\Apps\browser.exe`, true},
		{"bare name matches unix path", "curl", "/usr/bin/curl", true},
		{"different binary", "*\\browser.exe", `C:\Apps\editor.exe`, false},
		{"empty path", "*", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewPathMatcher(tt.pattern)
			if err != nil {
				t.Fatalf("NewPathMatcher(%q) failed: %v", tt.pattern, err)
			}
			if got := m.MatchesPath(tt.path); got != tt.want {
				t.Errorf("Expected MatchesPath(%q) = %v, got %v", tt.path, tt.want, got)
			}
		})
	}
}

func TestPathMatcherInvalidPattern(t *testing.T) {
	if _, err := NewPathMatcher("[unclosed"); err == nil {
		t.Error("Expected error for invalid glob pattern")
	}
}

func TestPIDMatcher(t *testing.T) {
	m := NewPIDMatcher(4242)
	if !m.MatchesPID(4242) {
		t.Error("Expected PID 4242 to match")
	}
	if m.MatchesPID(4243) {
		t.Error("Expected PID 4243 not to match")
	}
	if m.MatchesPath("/usr/bin/curl") {
		t.Error("Expected PID matcher not to match paths")
	}
}

func TestPolicyLimited(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		wantInbound  bool
		wantOutbound bool
	}{
		{"allow never limits", Policy{Mode: ModeAllow}, false, false},
		{"block never limits", Policy{Mode: ModeBlock}, false, false},
		{"download only", Policy{Mode: ModeLimit, DownloadRate: 1000}, true, false},
		{"upload only", Policy{Mode: ModeLimit, UploadRate: 1000}, false, true},
		{"both directions", Policy{Mode: ModeLimit, DownloadRate: 1000, UploadRate: 500}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Limited(true); got != tt.wantInbound {
				t.Errorf("Expected Limited(inbound) = %v, got %v", tt.wantInbound, got)
			}
			if got := tt.policy.Limited(false); got != tt.wantOutbound {
				t.Errorf("Expected Limited(outbound) = %v, got %v", tt.wantOutbound, got)
			}
		})
	}
}

func TestEntryValidate(t *testing.T) {
	pathMatcher := func(pattern string) Matcher {
		m, err := NewPathMatcher(pattern)
		if err != nil {
			t.Fatalf("NewPathMatcher(%q) failed: %v", pattern, err)
		}
		return m
	}

	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{
			"valid pid allow",
			Entry{Matcher: NewPIDMatcher(100), Policy: Policy{Mode: ModeAllow}},
			false,
		},
		{
			"valid path limit",
			Entry{Matcher: pathMatcher("*.exe"), Policy: Policy{Mode: ModeLimit, DownloadRate: 1000}},
			false,
		},
		{
			"empty matcher",
			Entry{Policy: Policy{Mode: ModeAllow}},
			true,
		},
		{
			"pid and path together",
			Entry{Matcher: Matcher{PID: 100, PathPattern: "*.exe"}, Policy: Policy{Mode: ModeAllow}},
			true,
		},
		{
			"limit without rates",
			Entry{Matcher: NewPIDMatcher(100), Policy: Policy{Mode: ModeLimit}},
			true,
		},
		{
			"negative rate",
			Entry{Matcher: NewPIDMatcher(100), Policy: Policy{Mode: ModeLimit, DownloadRate: -1, UploadRate: 1000}},
			true,
		},
		{
			"block system process",
			Entry{Matcher: pathMatcher("svchost.exe"), Policy: Policy{Mode: ModeBlock}},
			true,
		},
		{
			"limit system process",
			Entry{Matcher: pathMatcher(`*\lsass.exe`), Policy: Policy{Mode: ModeLimit, DownloadRate: 100}},
			true,
		},
		{
			"allow system process",
			Entry{Matcher: pathMatcher("svchost.exe"), Policy: Policy{Mode: ModeAllow}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestIsSystemProcess(t *testing.T) {
	if !IsSystemProcess("SVCHOST.EXE") {
		t.Error("Expected svchost.exe to be a system process regardless of case")
	}
	if IsSystemProcess("browser.exe") {
		t.Error("Expected browser.exe not to be a system process")
	}
}
