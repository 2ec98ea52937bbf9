package collect

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/core"
)

func TestParseAuthLine(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		user     string
		action   string
		result   core.AccessResult
		ip       string
		resource string
	}{
		{
			name: "failed password",
			line: "Jun 15 10:30:00 web1 sshd[1234]: Failed password for root from 10.0.0.7 port 22 ssh2",
			user: "root", action: ActionLogin, result: core.AccessFailure, ip: "10.0.0.7",
		},
		{
			name: "invalid user",
			line: "Jun 15 10:30:01 web1 sshd[1234]: Failed password for invalid user admin from 10.0.0.8 port 4242 ssh2",
			user: "admin", action: ActionLogin, result: core.AccessFailure, ip: "10.0.0.8",
		},
		{
			name: "accepted key",
			line: "Jun 15 10:31:00 web1 sshd[99]: Accepted publickey for deploy from 192.168.1.4 port 51000 ssh2",
			user: "deploy", action: ActionLogin, result: core.AccessSuccess, ip: "192.168.1.4",
		},
		{
			name: "keyboard-interactive failure",
			line: "Jun 15 10:30:02 web1 sshd[1234]: Failed keyboard-interactive/pam for dave from 10.0.0.9 port 4243 ssh2",
			user: "dave", action: ActionLogin, result: core.AccessFailure, ip: "10.0.0.9",
		},
		{
			name: "su pam failure",
			line: "Jun 15 10:32:00 web1 su[7]: pam_unix(su:auth): authentication failure; logname=bob uid=1000 euid=0 tty=pts/1 ruser=bob rhost=  user=root",
			user: "root", action: ActionSudo, result: core.AccessFailure, resource: "su",
		},
		{
			name: "sudo pam failure",
			line: "Jun 15 10:32:05 web1 sudo[8]: pam_unix(sudo:auth): authentication failure; logname=bob uid=1000 euid=0 tty=/dev/pts/1 ruser=bob rhost=  user=bob",
			user: "bob", action: ActionSudo, result: core.AccessFailure, resource: "sudo",
		},
		{
			name: "console pam failure",
			line: "Jun 15 10:32:09 web1 login[9]: pam_unix(login:auth): authentication failure; logname=LOGIN uid=0 euid=0 tty=tty1 ruser= rhost=  user=carol",
			user: "carol", action: ActionLogin, result: core.AccessFailure,
		},
		{
			name: "sudo not in sudoers",
			line: "Jun 15 10:33:30 web1 sudo:    eve : user NOT in sudoers ; TTY=pts/2 ; PWD=/home/eve ; USER=root ; COMMAND=/bin/sh",
			user: "eve", action: ActionSudo, result: core.AccessFailure, resource: "/bin/sh",
		},
		{
			name: "sudo command",
			line: "Jun 15 10:33:00 web1 sudo:    alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/bin/systemctl restart nginx",
			user: "alice", action: ActionSudo, result: core.AccessSuccess, resource: "/bin/systemctl restart nginx",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, ok := ParseAuthLine(tc.line)
			require.True(t, ok)
			assert.Equal(t, tc.user, event.UserID)
			assert.Equal(t, tc.action, event.Action)
			assert.Equal(t, tc.result, event.Result)
			assert.Equal(t, tc.ip, event.IPAddress)
			assert.Equal(t, tc.resource, event.ResourceID)
			assert.NoError(t, core.Validate(event))
		})
	}
}

func TestParseAuthLine_Ignored(t *testing.T) {
	for _, line := range []string{
		"Jun 15 10:30:00 web1 sshd[1234]: pam_unix(sshd:session): session opened for user root by (uid=0)",
		"Jun 15 10:30:00 web1 CRON[55]: (root) CMD (run-parts /etc/cron.hourly)",
		"Jun 15 10:30:00 web1 sshd[1234]: Invalid user admin from 10.0.0.8 port 4242",
		"Jun 15 10:30:00 web1 sshd[1234]: Connection closed by invalid user admin 10.0.0.8 port 4242 [preauth]",
		"Jun 15 10:30:00 web1 sshd[1234]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.8  user=alice",
		"Jun 15 10:30:00 web1 sshd[1234]: PAM 2 more authentication failures; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.8  user=alice",
		"Jun 15 10:30:00 web1 sudo:    bob : 3 incorrect password attempts ; TTY=pts/1 ; PWD=/home/bob ; USER=root ; COMMAND=/bin/sh",
		"",
	} {
		_, ok := ParseAuthLine(line)
		assert.False(t, ok, line)
	}
}

// Each sequence is what sshd, PAM and sudo write for a single attempt.
func TestParseAuthLine_OneEventPerAttempt(t *testing.T) {
	sequences := []struct {
		name   string
		lines  []string
		user   string
		result core.AccessResult
	}{
		{
			name: "known user, wrong password",
			lines: []string{
				"Jun 15 11:00:00 web1 sshd[200]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=203.0.113.5  user=alice",
				"Jun 15 11:00:02 web1 sshd[200]: Failed password for alice from 203.0.113.5 port 50122 ssh2",
			},
			user: "alice", result: core.AccessFailure,
		},
		{
			name: "unknown user",
			lines: []string{
				"Jun 15 11:01:00 web1 sshd[201]: Invalid user bob from 203.0.113.6 port 50200",
				"Jun 15 11:01:01 web1 sshd[201]: pam_unix(sshd:auth): check pass; user unknown",
				"Jun 15 11:01:01 web1 sshd[201]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=203.0.113.6",
				"Jun 15 11:01:03 web1 sshd[201]: Failed password for invalid user bob from 203.0.113.6 port 50200 ssh2",
				"Jun 15 11:01:04 web1 sshd[201]: Connection closed by invalid user bob 203.0.113.6 port 50200 [preauth]",
			},
			user: "bob", result: core.AccessFailure,
		},
		{
			name: "sudo wrong password",
			lines: []string{
				"Jun 15 11:02:00 web1 sudo[300]: pam_unix(sudo:auth): authentication failure; logname=carol uid=1000 euid=0 tty=/dev/pts/0 ruser=carol rhost=  user=carol",
				"Jun 15 11:02:09 web1 sudo:    carol : 1 incorrect password attempt ; TTY=pts/0 ; PWD=/home/carol ; USER=root ; COMMAND=/bin/bash",
			},
			user: "carol", result: core.AccessFailure,
		},
		{
			name: "accepted login",
			lines: []string{
				"Jun 15 11:03:00 web1 sshd[400]: Accepted publickey for deploy from 192.168.1.4 port 51000 ssh2",
				"Jun 15 11:03:00 web1 sshd[400]: pam_unix(sshd:session): session opened for user deploy by (uid=0)",
			},
			user: "deploy", result: core.AccessSuccess,
		},
	}
	for _, tc := range sequences {
		t.Run(tc.name, func(t *testing.T) {
			var events []*core.AccessEvent
			for _, line := range tc.lines {
				if event, ok := ParseAuthLine(line); ok {
					events = append(events, event)
				}
			}
			require.Len(t, events, 1)
			assert.Equal(t, tc.user, events[0].UserID)
			assert.Equal(t, tc.result, events[0].Result)
		})
	}
}

func TestParseNginxLine(t *testing.T) {
	event, ok := ParseNginxLine(`10.1.2.3 - alice [10/Oct/2025:13:55:36 -0700] "GET /reports/q3.pdf?dl=1 HTTP/1.1" 200 2326 "-" "curl/8.0"`)
	require.True(t, ok)
	assert.Equal(t, "alice", event.UserID)
	assert.Equal(t, "read", event.Action)
	assert.Equal(t, ResourceHTTP, event.ResourceType)
	assert.Equal(t, "/reports/q3.pdf", event.ResourceID)
	assert.Equal(t, core.AccessSuccess, event.Result)
	assert.Equal(t, "10.1.2.3", event.IPAddress)
	assert.Equal(t, time.Date(2025, 10, 10, 20, 55, 36, 0, time.UTC), event.Timestamp)

	event, ok = ParseNginxLine(`10.1.2.3 - bob [10/Oct/2025:13:55:37 -0700] "DELETE /admin/users/7 HTTP/1.1" 403 12`)
	require.True(t, ok)
	assert.Equal(t, "delete", event.Action)
	assert.Equal(t, core.AccessFailure, event.Result)

	_, ok = ParseNginxLine(`10.1.2.3 - - [10/Oct/2025:13:55:36 -0700] "GET / HTTP/1.1" 200 10`)
	assert.False(t, ok, "anonymous requests are skipped")
}

func TestParseJSONLine(t *testing.T) {
	t.Run("access event", func(t *testing.T) {
		event, ok := ParseJSONLine(`{"user_id":"u1","action":"read","resource_type":"SENSITIVE_DATA","result":"SUCCESS"}`)
		require.True(t, ok)
		assert.Equal(t, "u1", event.UserID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())

		_, ok = ParseJSONLine(`{"user_id":"u1","action":"read"}`)
		assert.False(t, ok, "incomplete events fail validation")
	})

	t.Run("cloudtrail console login", func(t *testing.T) {
		event, ok := ParseJSONLine(`{"eventName":"ConsoleLogin","eventSource":"signin.amazonaws.com","eventTime":"2025-06-01T03:04:05Z",
			"sourceIPAddress":"198.51.100.4","userIdentity":{"type":"IAMUser","userName":"carol"},
			"responseElements":{"ConsoleLogin":"Failure"}}`)
		require.True(t, ok)
		assert.Equal(t, "carol", event.UserID)
		assert.Equal(t, ActionLogin, event.Action)
		assert.Equal(t, "CONSOLE", event.ResourceType)
		assert.Equal(t, core.AccessFailure, event.Result)
		assert.Equal(t, 3, event.Timestamp.Hour())
	})

	t.Run("cloudtrail api call", func(t *testing.T) {
		event, ok := ParseJSONLine(`{"eventName":"GetObject","eventSource":"s3.amazonaws.com","sourceIPAddress":"s3.amazonaws.com",
			"userIdentity":{"arn":"arn:aws:iam::1:user/dave"}}`)
		require.True(t, ok)
		assert.Equal(t, "arn:aws:iam::1:user/dave", event.UserID)
		assert.Equal(t, "S3", event.ResourceType)
		assert.Empty(t, event.IPAddress, "service hostnames are not IPs")
		assert.NoError(t, core.Validate(event))
	})

	t.Run("k8s audit", func(t *testing.T) {
		event, ok := ParseJSONLine(`{"kind":"Event","verb":"get","user":{"username":"system:serviceaccount:ci:builder"},
			"objectRef":{"resource":"secrets","namespace":"prod","name":"db"},"responseStatus":{"code":403},"sourceIPs":["10.0.0.3"]}`)
		require.True(t, ok)
		assert.Equal(t, "K8S_SECRETS", event.ResourceType)
		assert.Equal(t, "prod/db", event.ResourceID)
		assert.Equal(t, core.AccessFailure, event.Result)
		assert.Equal(t, "10.0.0.3", event.IPAddress)
	})

	for _, line := range []string{`not json`, `{"msg":"hello"}`, `{"eventName":"x"}`} {
		_, ok := ParseJSONLine(line)
		assert.False(t, ok, line)
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(core.SourceConfig{Type: "pfsense", LogPath: "/tmp/x"})
	assert.True(t, core.IsValidation(err))
}

type recordingSink struct {
	mu     sync.Mutex
	events []*core.AccessEvent
}

func (s *recordingSink) Ingest(_ context.Context, e *core.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.UserID)
	}
	return out
}

func TestManager_TailsNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("Jun 15 10:00:00 h sshd[1]: Failed password for old from 10.0.0.1 port 22\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	m := NewManager(zerolog.Nop())
	m.StartAll(ctx, []core.SourceConfig{
		{Type: "authlog", LogPath: path},
		{Type: "nginx", LogPath: filepath.Join(t.TempDir(), "missing.log")},
	}, sink)
	defer m.StopAll()
	require.Equal(t, 1, m.Count(), "missing files are skipped")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("Jun 15 10:00:01 h sshd[1]: Failed password for mallory from 10.0.0.2 port 22\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(sink.users()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"mallory"}, sink.users(), "lines present before start are not replayed")

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "authlog", status[0]["tag"])
	assert.EqualValues(t, 1, status[0]["accepted"])
}
