package main

// ---------------------------------------------------------------------------
// cmd_policies.go: response policies and response history
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

func cmdPolicies(args []string) {
	if len(args) > 0 && args[0] == "trigger" {
		cmdPoliciesTrigger(args[1:])
		return
	}

	fs := flag.NewFlagSet("policies", flag.ExitOnError)
	cf := addClientFlags(fs)
	trigger := fs.String("trigger", "", "Only policies for this anomaly type")
	_ = fs.Parse(args)

	path := "/api/v1/policies"
	if *trigger != "" {
		path += "?trigger=" + url.QueryEscape(*trigger)
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
		Policies []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Trigger string `json:"trigger"`
			Action  string `json:"action"`
			Enabled bool   `json:"enabled"`
		} `json:"policies"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		errorf("decoding policies: %v", err)
	}
	if len(resp.Policies) == 0 {
		fmt.Fprintln(os.Stdout, "No policies configured.")
		return
	}
	t := NewTable(os.Stdout, "ID", "NAME", "TRIGGER", "ACTION", "ENABLED")
	for _, p := range resp.Policies {
		enabled := dim("no")
		if p.Enabled {
			enabled = green("yes")
		}
		t.AddRow(shortID(p.ID), p.Name, p.Trigger, p.Action, enabled)
	}
	t.Render()
}

func cmdPoliciesTrigger(args []string) {
	fs := flag.NewFlagSet("policies trigger", flag.ExitOnError)
	cf := addClientFlags(fs)
	user := fs.String("user", "", "Target user ID")
	device := fs.String("device", "", "Target device ID")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: accessguard policies trigger <policy-id> --user ID [--device ID]")
	}

	payload, _ := json.Marshal(map[string]string{
		"user_id":      *user,
		"device_id":    *device,
		"triggered_by": "cli",
	})
	raw, err := cf.client().post("/api/v1/policies/"+url.PathEscape(fs.Arg(0))+"/trigger", payload)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}
	var resp struct {
		ID     string `json:"id"`
		Action string `json:"action"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(raw, &resp)
	fmt.Fprintf(os.Stdout, "%s Response %s (%s) %s\n", green("✓"), resp.ID, resp.Action, resp.Status)
}

func cmdResponses(args []string) {
	if len(args) > 0 && args[0] == "stats" {
		cmdResponsesStats(args[1:])
		return
	}

	fs := flag.NewFlagSet("responses", flag.ExitOnError)
	cf := addClientFlags(fs)
	user := fs.String("user", "", "Filter by target user")
	policy := fs.String("policy", "", "Filter by policy ID")
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", 50, "Maximum number of responses")
	_ = fs.Parse(args)

	q := url.Values{}
	for k, v := range map[string]string{"user_id": *user, "policy_id": *policy, "status": *status} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	path := "/api/v1/responses"
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
		Responses []struct {
			ID           string    `json:"id"`
			Action       string    `json:"action"`
			TargetUserID string    `json:"target_user_id"`
			Status       string    `json:"status"`
			Error        string    `json:"error"`
			CreatedAt    time.Time `json:"created_at"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		errorf("decoding responses: %v", err)
	}
	if len(resp.Responses) == 0 {
		fmt.Fprintln(os.Stdout, "No responses recorded.")
		return
	}
	t := NewTable(os.Stdout, "ID", "TIME", "ACTION", "USER", "STATUS", "ERROR")
	for _, r := range resp.Responses {
		st := r.Status
		if st == "FAILED" {
			st = red(st)
		}
		t.AddRow(shortID(r.ID), r.CreatedAt.Local().Format("01-02 15:04:05"), r.Action, r.TargetUserID, st, r.Error)
	}
	t.Render()
}

func cmdResponsesStats(args []string) {
	fs := flag.NewFlagSet("responses stats", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(args)

	raw, err := cf.client().get("/api/v1/responses/stats")
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*cf.format) == FormatJSON {
		printJSON(os.Stdout, raw)
		return
	}
	var st struct {
		Total       int     `json:"total_responses"`
		Pending     int     `json:"pending_responses"`
		Completed   int     `json:"completed_responses"`
		Failed      int     `json:"failed_responses"`
		SuccessRate float64 `json:"success_rate"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		errorf("decoding stats: %v", err)
	}
	t := NewTable(os.Stdout, "TOTAL", "PENDING", "COMPLETED", "FAILED", "SUCCESS RATE")
	t.AddRow(strconv.Itoa(st.Total), strconv.Itoa(st.Pending), strconv.Itoa(st.Completed),
		strconv.Itoa(st.Failed), fmt.Sprintf("%.1f%%", st.SuccessRate*100))
	t.Render()
}
