package collect

import (
	"regexp"
	"strings"

	"github.com/1sec-project/accessguard/internal/core"
)

// Resource types and actions used for events read from system auth logs.
const (
	ResourceSSH       = "SSH"
	ResourceHost      = "HOST"
	ResourcePrivilege = "PRIVILEGE"
	ActionLogin       = "login"
	ActionSudo        = "sudo"
)

var (
	// sshd: Failed password for invalid user admin from 1.2.3.4 port 22 ssh2
	sshdFailRe = regexp.MustCompile(`(?i)\bfailed\s+(?:password|publickey|keyboard-interactive(?:/pam)?|hostbased|gssapi-with-mic)\s+for\s`)
	// sshd: Accepted publickey for deploy from 1.2.3.4 port 22 ssh2
	sshdSuccRe = regexp.MustCompile(`(?i)\baccepted\s+(?:password|publickey|keyboard-interactive(?:/pam)?|hostbased|gssapi-with-mic)\s+for\s`)
	// su: pam_unix(su:auth): authentication failure; logname=bob uid=1000 ... user=root
	pamFailRe = regexp.MustCompile(`pam_\w+\(([\w-]+):auth\):\s+authentication\s+failure`)
	// sudo:    alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/bin/bash
	sudoCmdRe = regexp.MustCompile(`(?i)sudo:\s+(\S+)\s+:(.*?)COMMAND=(.+)`)
	// sudo:    bob : user NOT in sudoers ; TTY=pts/0 ; ... ; COMMAND=/bin/sh
	sudoDeniedRe = regexp.MustCompile(`(?i)\b(?:not\s+in\s+sudoers|command\s+not\s+allowed|not\s+allowed\s+to\s+execute)\b`)
	// sudo:    bob : 3 incorrect password attempts ; ... ; COMMAND=/bin/sh
	sudoSummaryRe = regexp.MustCompile(`(?i)\bincorrect\s+password\s+attempts?\b`)
	// "for user X", "for invalid user X", "user=X", "ruser=X"
	userExtractRe = regexp.MustCompile(`(?i)(?:for(?:\s+invalid)?\s+user\s+|for\s+|\buser[=:\s]+)(\S+?)(?:\s|$|"|')`)
	ipExtractRe   = regexp.MustCompile(`(?:from|rhost=|src)\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
)

// ParseAuthLine reads an sshd, PAM or sudo line and yields at most one event
// per authentication attempt.
//
// sshd writes several lines for one failed attempt ("Invalid user",
// the pam_unix(sshd:auth) failure, "Failed password", "Connection closed").
// Only the terminal "Failed <method>" line is counted; the PAM line is counted
// for every other service, where it is the only record of the failure. sudo
// and su failures become "sudo" on PRIVILEGE, other PAM services "login" on
// HOST, sshd logins "login" on SSH.
func ParseAuthLine(line string) (*core.AccessEvent, bool) {
	if m := sudoCmdRe.FindStringSubmatch(line); m != nil {
		return parseSudoCommand(m[1], m[2], m[3])
	}

	if m := pamFailRe.FindStringSubmatch(line); m != nil {
		service := strings.ToLower(m[1])
		if service == "sshd" {
			return nil, false
		}
		action, resource := ActionLogin, ResourceHost
		if service == "sudo" || service == "su" || service == "su-l" {
			action, resource = ActionSudo, ResourcePrivilege
		}
		event := newAuthEvent(line, action, resource, core.AccessFailure)
		if event != nil && resource == ResourcePrivilege {
			event.ResourceID = service
		}
		return event, event != nil
	}

	var result core.AccessResult
	switch {
	case sshdFailRe.MatchString(line):
		result = core.AccessFailure
	case sshdSuccRe.MatchString(line):
		result = core.AccessSuccess
	default:
		return nil, false
	}
	event := newAuthEvent(line, ActionLogin, ResourceSSH, result)
	return event, event != nil
}

// parseSudoCommand handles sudo's per-command log line. The summary written
// after failed password prompts is skipped because PAM already logged them.
func parseSudoCommand(user, detail, command string) (*core.AccessEvent, bool) {
	if sudoSummaryRe.MatchString(detail) {
		return nil, false
	}
	result := core.AccessSuccess
	if sudoDeniedRe.MatchString(detail) {
		result = core.AccessFailure
	}
	event := core.NewAccessEvent(user, ActionSudo, ResourcePrivilege, result)
	event.ResourceID = strings.TrimSpace(command)
	return event, true
}

func newAuthEvent(line, action, resource string, result core.AccessResult) *core.AccessEvent {
	m := userExtractRe.FindStringSubmatch(line)
	if m == nil || m[1] == "" {
		return nil
	}
	event := core.NewAccessEvent(m[1], action, resource, result)
	if ip := ipExtractRe.FindStringSubmatch(line); ip != nil {
		event.IPAddress = validIP(ip[1])
	}
	return event
}
