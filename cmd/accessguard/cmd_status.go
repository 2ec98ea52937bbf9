package main

// ---------------------------------------------------------------------------
// cmd_status.go: show status of a running instance
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// clientFlags are shared by every command that talks to the API.
type clientFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	format     *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key"),
		format:     fs.String("format", "table", "Output format: table, json"),
	}
}

func (f clientFlags) client() *apiClient {
	path := envConfig(*f.configPath)
	return newAPIClient(apiBase(path, envHost(*f.host), envPort(*f.port)), resolveAPIKey(*f.apiKey, path))
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)

	raw, err := cf.client().get("/api/v1/status")
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}

	var st struct {
		Version      string `json:"version"`
		Status       string `json:"status"`
		Uptime       string `json:"uptime"`
		Storage      string `json:"storage"`
		Sessions     string `json:"sessions"`
		AutoTrigger  bool   `json:"auto_trigger"`
		BusConnected bool   `json:"bus_connected"`
		Responses    struct {
			Total       int     `json:"total_responses"`
			Pending     int     `json:"pending_responses"`
			SuccessRate float64 `json:"success_rate"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		errorf("decoding status: %v", err)
	}

	fmt.Fprintf(os.Stdout, "%s AccessGuard v%s %s (up %s)\n\n", green("●"), st.Version, st.Status, st.Uptime)
	t := NewTable(os.Stdout, "COMPONENT", "VALUE")
	t.AddRow("storage", st.Storage)
	t.AddRow("sessions", st.Sessions)
	t.AddRow("event bus", fmt.Sprintf("%t", st.BusConnected))
	t.AddRow("auto-response", fmt.Sprintf("%t", st.AutoTrigger))
	t.AddRow("responses", fmt.Sprintf("%d total, %d pending", st.Responses.Total, st.Responses.Pending))
	t.AddRow("success rate", fmt.Sprintf("%.0f%%", st.Responses.SuccessRate*100))
	t.Render()
}
