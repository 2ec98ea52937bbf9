package main

// ---------------------------------------------------------------------------
// cmd_config.go: show, validate, or initialise configuration
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/accessguard/internal/core"
)

func cmdConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cmdConfigInit(args[1:])
		return
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	_ = fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		warnings, errs := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		if len(errs) > 0 {
			fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(errs))
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "    - %s\n", e)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid.\n", green("✓"))
		return
	}

	redacted := *cfg
	redacted.Server.APIKeys = redactKeys(cfg.Server.APIKeys)
	if redacted.Storage.PostgresDSN != "" {
		redacted.Storage.PostgresDSN = "********"
	}
	if redacted.Sessions.RedisPassword != "" {
		redacted.Sessions.RedisPassword = "********"
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(redacted); err != nil {
			errorf("encoding config: %v", err)
		}
	default:
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			errorf("encoding config: %v", err)
		}
		fmt.Fprint(os.Stdout, string(out))
	}
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "Where to write the config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	_ = fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists (use --force to overwrite)", *output)
	}
	if err := os.MkdirAll(filepath.Dir(*output), 0755); err != nil {
		errorf("creating config directory: %v", err)
	}
	if err := core.SaveConfig(core.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default configuration to %s\n", green("✓"), *output)
}

func redactKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		if len(k) > 4 {
			out[i] = k[:4] + "****"
		} else {
			out[i] = "****"
		}
	}
	return out
}
