package main

// ---------------------------------------------------------------------------
// banner.go: banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
    ┌──────────────────────────────────────────────┐
    │   ACCESSGUARD                                │
    │   access control · anomaly detection         │
    │   automated response                         │
    └──────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return text
	}
	return "\033[36m" + text + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "accessguard v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  accessguard <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: configs/accessguard.yaml, env: ACCESSGUARD_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key (env: ACCESSGUARD_API_KEY)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json (default: table)")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with the in-memory backends"))
	fmt.Fprintf(w, "  accessguard up --insecure\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# List new high and critical alerts"))
	fmt.Fprintf(w, "  accessguard alerts --status NEW --severity HIGH\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Trigger a policy by hand"))
	fmt.Fprintf(w, "  accessguard policies trigger <policy-id> --user alice\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("accessguard help <command>"))
}

type command struct {
	name    string
	summary string
	usage   string
}

var commands = []command{
	{"up", "Start the engine and the REST API",
		"accessguard up [--config path] [--log-level level] [--dry-run] [--insecure] [--quiet]"},
	{"status", "Show status of a running instance",
		"accessguard status [--format table|json]"},
	{"alerts", "List, acknowledge or resolve alerts",
		"accessguard alerts [--status S] [--severity S] [--user ID] [--limit N]\n  accessguard alerts ack <id>\n  accessguard alerts resolve <id>"},
	{"policies", "List response policies or trigger one",
		"accessguard policies [--trigger TYPE]\n  accessguard policies trigger <id> --user ID [--device ID]"},
	{"responses", "Show response history and statistics",
		"accessguard responses [--user ID] [--policy ID] [--status S] [--limit N]\n  accessguard responses stats"},
	{"logs", "Show recent engine logs",
		"accessguard logs [--lines N] [--level L] [--follow] [--poll-interval 2s]"},
	{"config", "Show, validate or initialise configuration",
		"accessguard config [--validate] [--format yaml|json]\n  accessguard config init [--output path] [--force]"},
	{"version", "Print version and build info", "accessguard version"},
	{"help", "Show help for a command", "accessguard help <command>"},
}

func cmdHelp(name string) {
	for _, c := range commands {
		if c.name == name {
			fmt.Fprintf(os.Stdout, "%s\n\n  %s\n\n%s\n\n  %s\n\n", bold(c.name), c.summary, bold("USAGE"), c.usage)
			return
		}
	}
	fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n", name)
	os.Exit(1)
}
