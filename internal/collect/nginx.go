package collect

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

// ResourceHTTP is the resource type for requests read from web access logs.
const ResourceHTTP = "HTTP"

// nginx/apache combined log format:
// 1.2.3.4 - alice [10/Oct/2000:13:55:36 -0700] "GET /path HTTP/1.1" 200 2326 "referer" "user-agent"
var nginxLogRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+(\S+)\s+\[([^\]]+)\]\s+"(\S+)\s+(\S+)\s+\S+"\s+(\d{3})\s+(\d+|-)`,
)

const nginxTimeLayout = "02/Jan/2006:15:04:05 -0700"

// ParseNginxLine reads a combined-format access log line. Only requests with
// an authenticated remote user are kept; 401 and 403 responses count as
// failures.
func ParseNginxLine(line string) (*core.AccessEvent, bool) {
	m := nginxLogRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	user := m[2]
	if user == "-" || user == "" {
		return nil, false
	}

	result := core.AccessSuccess
	if status, _ := strconv.Atoi(m[6]); status == 401 || status == 403 {
		result = core.AccessFailure
	}

	event := core.NewAccessEvent(user, httpAction(m[4]), ResourceHTTP, result)
	event.ResourceID = m[5]
	if i := strings.IndexByte(event.ResourceID, '?'); i >= 0 {
		event.ResourceID = event.ResourceID[:i]
	}
	event.IPAddress = validIP(m[1])
	if ts, err := time.Parse(nginxTimeLayout, m[3]); err == nil {
		event.Timestamp = ts.UTC()
	}
	return event, true
}

func httpAction(method string) string {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return "read"
	case "DELETE":
		return "delete"
	default:
		return "write"
	}
}
