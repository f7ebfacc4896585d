// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux && !windows

package capture

import (
	"github.com/procnet/governor/internal/logging"
)

// NewPlatformSource reports the platform as unsupported. Tests use
// SimSource instead.
func NewPlatformSource(_ uint16, _ *logging.Logger) (Source, error) {
	return nil, ErrUnavailable
}
