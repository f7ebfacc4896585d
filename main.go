// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/procnet/governor/cmd"
	"github.com/procnet/governor/internal/brand"
)

func usage() {
	fmt.Fprintf(os.Stderr, "%s - %s\n\n", brand.BinaryName, brand.Description)
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", brand.BinaryName)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  start     Run the traffic governor in the foreground")
	fmt.Fprintln(os.Stderr, "  check     Validate configuration and policy files")
	fmt.Fprintln(os.Stderr, "  version   Print build information")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", "", "path to "+brand.ConfigFileName)
		policyFile := fs.String("policies", "", "path to "+brand.PolicyFileName)
		fs.Parse(os.Args[2:])
		err = cmd.RunStart(*configFile, *policyFile)
	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := fs.String("config", "", "path to "+brand.ConfigFileName)
		policyFile := fs.String("policies", "", "path to "+brand.PolicyFileName)
		fs.Parse(os.Args[2:])
		err = cmd.RunCheck(*configFile, *policyFile)
	case "version":
		err = cmd.RunVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
