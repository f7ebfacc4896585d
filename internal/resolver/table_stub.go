// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux && !windows

package resolver

import "fmt"

// SystemProvider is unavailable on this platform.
type SystemProvider struct{}

// NewSystemProvider creates the platform connection-table provider.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{}
}

// Table always fails; unsupported platform.
func (p *SystemProvider) Table() ([]Row, error) {
	return nil, fmt.Errorf("connection table is not supported on this platform")
}
