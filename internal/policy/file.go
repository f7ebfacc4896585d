// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileEntry is the YAML shape of one policy entry. Rates are bytes per
// second, bursts are bytes.
type fileEntry struct {
	PID           uint32 `yaml:"pid,omitempty"`
	Path          string `yaml:"path,omitempty"`
	Mode          string `yaml:"mode"`
	DownloadRate  int64  `yaml:"download_rate,omitempty"`
	DownloadBurst int64  `yaml:"download_burst,omitempty"`
	UploadRate    int64  `yaml:"upload_rate,omitempty"`
	UploadBurst   int64  `yaml:"upload_burst,omitempty"`
	Disabled      bool   `yaml:"disabled,omitempty"`
}

type policyFile struct {
	Policies []fileEntry `yaml:"policies"`
}

// LoadFile reads an ordered policy set from a YAML file.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) ([]Entry, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	entries := make([]Entry, 0, len(pf.Policies))
	for i, fe := range pf.Policies {
		mode, err := parseMode(fe.Mode)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}

		var m Matcher
		switch {
		case fe.PID != 0 && fe.Path != "":
			return nil, fmt.Errorf("policy %d: pid and path are mutually exclusive", i)
		case fe.PID != 0:
			m = NewPIDMatcher(fe.PID)
		case fe.Path != "":
			m, err = NewPathMatcher(fe.Path)
			if err != nil {
				return nil, fmt.Errorf("policy %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("policy %d: needs a pid or a path", i)
		}

		p := Policy{
			Mode:          mode,
			DownloadRate:  fe.DownloadRate,
			DownloadBurst: fe.DownloadBurst,
			UploadRate:    fe.UploadRate,
			UploadBurst:   fe.UploadBurst,
		}
		if mode == ModeLimit {
			// A burst below one MTU starves the bucket; default to one
			// second's worth of traffic.
			if p.DownloadRate > 0 && p.DownloadBurst == 0 {
				p.DownloadBurst = p.DownloadRate
			}
			if p.UploadRate > 0 && p.UploadBurst == 0 {
				p.UploadBurst = p.UploadRate
			}
		}

		entries = append(entries, Entry{Matcher: m, Policy: p, Enabled: !fe.Disabled})
	}
	return entries, nil
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "allow":
		return ModeAllow, nil
	case "block":
		return ModeBlock, nil
	case "limit":
		return ModeLimit, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want allow, block, or limit)", s)
	}
}
