package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the AccessGuard engine and API
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/1sec-project/accessguard/internal/api"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/engine"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	insecure := fs.Bool("insecure", false, "Allow the API to run without authentication (open mode)")
	_ = fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	warnings, validationErrs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if !cfg.AuthEnabled() && !*insecure {
		fmt.Fprintf(os.Stderr, "%s No API keys configured. Set server.api_keys or ACCESSGUARD_API_KEY,\n", red("✗"))
		fmt.Fprintf(os.Stderr, "    or pass --insecure to run the API in open mode.\n")
		os.Exit(1)
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid. storage=%s sessions=%s bus=%t\n",
			green("✓"), cfg.Storage.Driver, cfg.Sessions.Driver, cfg.Bus.Enabled)
		os.Exit(0)
	}

	e, err := engine.New(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting AccessGuard engine...\n", dim("▸"))
	}
	if err := e.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	srv := api.NewServer(e)
	if err := srv.Start(); err != nil {
		_ = e.Shutdown()
		errorf("starting API server: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s AccessGuard running, API on %s:%d (storage %s, auto-response %t)\n",
			green("✓"), cfg.Server.Host, cfg.Server.Port, cfg.Storage.Driver, cfg.Response.AutoTrigger)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	e.Wait()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Shutting down...\n", dim("▸"))
	}
	if err := srv.Stop(); err != nil {
		warnf("stopping API server: %v", err)
	}
	_ = e.Shutdown()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s AccessGuard stopped.\n", green("✓"))
	}
}
