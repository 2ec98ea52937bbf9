package main

// ---------------------------------------------------------------------------
// cmd_logs.go: fetch recent engine logs, with --follow for tailing
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type logRow struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Error     string    `json:"error"`
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cf := addClientFlags(fs)
	lines := fs.Int("lines", 50, "Number of log lines to fetch")
	level := fs.String("level", "", "Minimum level: debug, info, warn, error")
	follow := fs.Bool("follow", false, "Keep polling for new entries")
	fs.BoolVar(follow, "f", false, "Keep polling for new entries")
	poll := fs.Duration("poll-interval", 2*time.Second, "Poll interval for --follow")
	_ = fs.Parse(args)

	client := cf.client()
	fetch := func() []logRow {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(*lines))
		if *level != "" {
			q.Set("level", *level)
		}
		raw, err := client.get("/api/v1/logs?" + q.Encode())
		if err != nil {
			errorf("%v", err)
		}
		if parseFormat(*cf.format) == FormatJSON && !*follow {
			printJSON(os.Stdout, raw)
			os.Exit(0)
		}
		var resp struct {
			Logs []logRow `json:"logs"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			errorf("decoding logs: %v", err)
		}
		return resp.Logs
	}

	if !*follow {
		rows := fetch()
		if len(rows) == 0 {
			fmt.Fprintf(os.Stdout, "%s No log entries.\n", dim("▸"))
			return
		}
		for _, r := range rows {
			printLogRow(os.Stdout, r)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(os.Stderr, "%s Tailing logs (Ctrl+C to stop)...\n\n", dim("▸"))

	var last time.Time
	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		for _, r := range newLogRows(fetch(), last) {
			printLogRow(os.Stdout, r)
			last = r.Timestamp
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "\n%s Log tailing stopped.\n", dim("▸"))
			return
		case <-ticker.C:
		}
	}
}

// newLogRows returns the rows strictly after since. Rows arrive oldest first.
func newLogRows(rows []logRow, since time.Time) []logRow {
	for i, r := range rows {
		if r.Timestamp.After(since) {
			return rows[i:]
		}
	}
	return nil
}

func printLogRow(w io.Writer, r logRow) {
	lvl := r.Level
	switch lvl {
	case "error", "fatal", "panic":
		lvl = red(lvl)
	case "warn":
		lvl = yellow(lvl)
	default:
		lvl = dim(lvl)
	}
	line := fmt.Sprintf("%s %-5s %s", dim(r.Timestamp.Local().Format("01-02 15:04:05")), lvl, r.Message)
	if r.Component != "" {
		line += " " + dim("component="+r.Component)
	}
	if r.Error != "" {
		line += " " + red("error="+r.Error)
	}
	fmt.Fprintln(w, line)
}
