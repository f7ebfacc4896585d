// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"github.com/procnet/governor/internal/brand"
)

// RunVersion prints build information.
func RunVersion() error {
	fmt.Printf("%s %s\n", brand.Name, brand.Version)
	fmt.Printf("  commit: %s\n", brand.GitCommit)
	fmt.Printf("  built:  %s\n", brand.BuildTime)
	return nil
}
