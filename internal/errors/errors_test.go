// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindResolution, "no connection table entry")
	if GetKind(err) != KindResolution {
		t.Errorf("expected KindResolution, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		kind  Kind
		fatal bool
	}{
		{KindCapture, true},
		{KindTimeout, true},
		{KindResolution, false},
		{KindPolicy, false},
		{KindReinjection, false},
		{KindClock, false},
		{KindValidation, false},
	}

	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			err := New(tc.kind, "test")
			if IsFatal(err) != tc.fatal {
				t.Errorf("expected IsFatal=%v for %v", tc.fatal, tc.kind)
			}
		})
	}

	if IsFatal(errors.New("std error")) {
		t.Error("plain errors should not be fatal")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindResolution, "no connection table entry")
	err = Attr(err, "protocol", "tcp")
	err = Attr(err, "dst_port", 443)

	attrs := GetAttributes(err)
	if attrs["protocol"] != "tcp" {
		t.Errorf("expected tcp, got %v", attrs["protocol"])
	}
	if attrs["dst_port"] != 443 {
		t.Errorf("expected 443, got %v", attrs["dst_port"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "resolve")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["protocol"] != "tcp" || allAttrs["operation"] != "resolve" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
