// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/procnet/governor/internal/policy"
)

// RunCheck validates configuration and policy files and prints the
// normalized view.
func RunCheck(configFile, policyFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	gc := cfg.GovernorConfig()
	rc := cfg.ResolverConfig()
	view := map[string]any{
		"governor": map[string]any{
			"lanes":            gc.Lanes,
			"fallback":         gc.Fallback.String(),
			"max_hold_latency": gc.MaxHoldLatency.String(),
			"reinject_retries": gc.ReinjectRetries,
			"shutdown_timeout": gc.ShutdownTimeout.String(),
		},
		"resolver": map[string]any{
			"ttl":              rc.TTL.String(),
			"refresh_interval": rc.RefreshInterval.String(),
			"miss_debounce":    rc.MissDebounce.String(),
		},
		"log_level": cfg.LoggingConfig().Level,
	}

	var invalid int
	if policyFile != "" {
		entries, err := policy.LoadFile(policyFile)
		if err != nil {
			return fmt.Errorf("policy error: %w", err)
		}
		summary := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			item := map[string]any{
				"matcher": e.Matcher.String(),
				"mode":    e.Policy.Mode.String(),
				"enabled": e.Enabled,
			}
			if e.Policy.Mode == policy.ModeLimit {
				item["download_rate"] = e.Policy.DownloadRate
				item["upload_rate"] = e.Policy.UploadRate
			}
			if err := e.Validate(); err != nil {
				item["error"] = err.Error()
				invalid++
			}
			summary = append(summary, item)
		}
		view["policies"] = summary
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return err
	}

	if invalid > 0 {
		return fmt.Errorf("%d policy entries would be rejected", invalid)
	}
	fmt.Fprintln(os.Stderr, "Configuration OK")
	return nil
}
