package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
)

// Template formats a message into a service-specific webhook payload.
type Template interface {
	Name() string
	Format(admins []directory.User, msg Message) map[string]interface{}
}

// GetTemplate returns a template by name, or nil if unknown.
func GetTemplate(name string) Template {
	switch strings.ToLower(name) {
	case "slack":
		return slackTemplate{}
	case "teams", "msteams":
		return teamsTemplate{}
	case "generic", "":
		return genericTemplate{}
	default:
		return nil
	}
}

type genericTemplate struct{}

func (genericTemplate) Name() string { return "generic" }

func (genericTemplate) Format(admins []directory.User, msg Message) map[string]interface{} {
	return map[string]interface{}{
		"message":    msg,
		"recipients": recipientEmails(admins),
		"source":     "accessguard",
		"sent_at":    time.Now().UTC(),
	}
}

type slackTemplate struct{}

func (slackTemplate) Name() string { return "slack" }

func (slackTemplate) Format(admins []directory.User, msg Message) map[string]interface{} {
	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", msg.Severity)},
	}
	if msg.UserID != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*User:*\n`%s`", msg.UserID)})
	}
	return map[string]interface{}{
		"text": msg.Subject,
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": truncate(msg.Subject, 150)},
			},
			{
				"type": "section",
				"text": map[string]interface{}{"type": "mrkdwn", "text": truncate(msg.Body, 500)},
			},
			{"type": "section", "fields": fields},
		},
		"attachments": []map[string]interface{}{
			{"color": severityColor(msg.Severity)},
		},
	}
}

type teamsTemplate struct{}

func (teamsTemplate) Name() string { return "teams" }

func (teamsTemplate) Format(_ []directory.User, msg Message) map[string]interface{} {
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    msg.Subject,
		"themeColor": strings.TrimPrefix(severityColor(msg.Severity), "#"),
		"title":      msg.Subject,
		"text":       truncate(msg.Body, 1000),
	}
}

func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return "#d32f2f"
	case core.SeverityHigh:
		return "#f44336"
	case core.SeverityMedium:
		return "#ff9800"
	default:
		return "#2196f3"
	}
}

func recipientEmails(admins []directory.User) []string {
	out := make([]string, 0, len(admins))
	for _, a := range admins {
		if a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
