package collect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

// ParseJSONLine reads one JSON log line. Lines already shaped like an access
// event are taken as is; CloudTrail records and Kubernetes audit events are
// mapped onto access events. Anything else is skipped.
func ParseJSONLine(line string) (*core.AccessEvent, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}

	if _, ok := raw["user_id"]; ok {
		event, err := core.UnmarshalAccessEvent([]byte(line))
		if err != nil || core.Validate(event) != nil {
			return nil, false
		}
		return event, true
	}
	if name, ok := raw["eventName"].(string); ok {
		return cloudTrailEvent(raw, name)
	}
	if kind, _ := raw["kind"].(string); kind == "Event" {
		return k8sAuditEvent(raw)
	}
	return nil, false
}

func cloudTrailEvent(raw map[string]interface{}, name string) (*core.AccessEvent, bool) {
	identity, _ := raw["userIdentity"].(map[string]interface{})
	user := stringField(identity, "userName")
	if user == "" {
		user = stringField(identity, "arn")
	}
	if user == "" {
		return nil, false
	}

	result := core.AccessSuccess
	if code, _ := raw["errorCode"].(string); code != "" {
		result = core.AccessFailure
	}
	action, resourceType := name, strings.ToUpper(strings.TrimSuffix(stringField(raw, "eventSource"), ".amazonaws.com"))
	if strings.EqualFold(name, "ConsoleLogin") {
		action, resourceType = ActionLogin, "CONSOLE"
		// CloudTrail reports failed console logins in responseElements.
		if resp, ok := raw["responseElements"].(map[string]interface{}); ok && stringField(resp, "ConsoleLogin") == "Failure" {
			result = core.AccessFailure
		}
	}
	if resourceType == "" {
		resourceType = "AWS"
	}

	event := core.NewAccessEvent(user, action, resourceType, result)
	event.IPAddress = validIP(stringField(raw, "sourceIPAddress"))
	if ts, err := time.Parse(time.RFC3339, stringField(raw, "eventTime")); err == nil {
		event.Timestamp = ts.UTC()
	}
	return event, true
}

func k8sAuditEvent(raw map[string]interface{}) (*core.AccessEvent, bool) {
	userInfo, _ := raw["user"].(map[string]interface{})
	user := stringField(userInfo, "username")
	verb := stringField(raw, "verb")
	if user == "" || verb == "" {
		return nil, false
	}

	objRef, _ := raw["objectRef"].(map[string]interface{})
	resource := stringField(objRef, "resource")
	if resource == "" {
		resource = "cluster"
	}
	result := core.AccessSuccess
	if status, ok := raw["responseStatus"].(map[string]interface{}); ok {
		if code, ok := status["code"].(float64); ok && code >= 400 {
			result = core.AccessFailure
		}
	}

	event := core.NewAccessEvent(user, verb, "K8S_"+strings.ToUpper(resource), result)
	if ns, name := stringField(objRef, "namespace"), stringField(objRef, "name"); name != "" {
		event.ResourceID = strings.TrimPrefix(ns+"/"+name, "/")
	}
	if ips, ok := raw["sourceIPs"].([]interface{}); ok && len(ips) > 0 {
		ip, _ := ips[0].(string)
		event.IPAddress = validIP(ip)
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringField(raw, "requestReceivedTimestamp")); err == nil {
		event.Timestamp = ts.UTC()
	}
	return event, true
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
