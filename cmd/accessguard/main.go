package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the accessguard CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"

	"github.com/1sec-project/accessguard/internal/engine"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	engine.Version = version

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "--version", "-V", "version":
		printVersion(os.Stdout)
		os.Exit(0)
	case "--help", "-h", "help":
		if len(os.Args) >= 3 {
			cmdHelp(os.Args[2])
		} else {
			printUsage(os.Stdout)
		}
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]
	if hasFlag(args, "-h", "--help") {
		cmdHelp(subcmd)
		os.Exit(0)
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "status":
		cmdStatus(args)
	case "alerts":
		cmdAlerts(args)
	case "policies":
		cmdPolicies(args)
	case "responses":
		cmdResponses(args)
	case "logs":
		cmdLogs(args)
	case "config":
		cmdConfig(args)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
