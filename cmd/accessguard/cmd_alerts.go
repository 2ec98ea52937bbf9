package main

// ---------------------------------------------------------------------------
// cmd_alerts.go: list, acknowledge and resolve alerts
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type alertRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func cmdAlerts(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "ack", "acknowledge":
			cmdAlertsTransition(args[1:], "acknowledge")
			return
		case "resolve":
			cmdAlertsTransition(args[1:], "resolve")
			return
		}
	}

	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	cf := addClientFlags(fs)
	status := fs.String("status", "", "Filter by status: NEW, ACKNOWLEDGED, RESOLVED")
	severity := fs.String("severity", "", "Minimum severity: LOW, MEDIUM, HIGH, CRITICAL")
	user := fs.String("user", "", "Filter by user ID")
	limit := fs.Int("limit", 50, "Maximum number of alerts")
	_ = fs.Parse(args)

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *severity != "" {
		q.Set("min_severity", *severity)
	}
	if *user != "" {
		q.Set("user_id", *user)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	path := "/api/v1/alerts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := cf.client().get(path)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}

	var resp struct {
		Alerts []alertRow `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		errorf("decoding alerts: %v", err)
	}
	if len(resp.Alerts) == 0 {
		fmt.Fprintf(os.Stdout, "%s No alerts.\n", green("✓"))
		return
	}
	t := NewTable(os.Stdout, "ID", "TIME", "SEVERITY", "STATUS", "USER", "ACTION", "DESCRIPTION")
	for _, a := range resp.Alerts {
		t.AddRow(shortID(a.ID), a.CreatedAt.Local().Format("01-02 15:04:05"), severityColor(a.Severity),
			a.Status, a.UserID, a.Action, a.Description)
	}
	t.Render()
}

func cmdAlertsTransition(args []string, verb string) {
	fs := flag.NewFlagSet("alerts "+verb, flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: accessguard alerts %s <alert-id>", verb)
	}
	id := fs.Arg(0)

	raw, err := cf.client().post("/api/v1/alerts/"+url.PathEscape(id)+"/"+verb, []byte("{}"))
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}
	var a alertRow
	_ = json.Unmarshal(raw, &a)
	fmt.Fprintf(os.Stdout, "%s Alert %s is now %s\n", green("✓"), shortID(id), a.Status)
}
