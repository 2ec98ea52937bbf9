package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "LOW"},
		{SeverityMedium, "MEDIUM"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(0), "UNKNOWN"},
		{Severity(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.sev.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
		}
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !(SeverityLow.Rank() < SeverityMedium.Rank() &&
		SeverityMedium.Rank() < SeverityHigh.Rank() &&
		SeverityHigh.Rank() < SeverityCritical.Rank()) {
		t.Error("severity ranks are not strictly increasing")
	}
	if Severity(42).Rank() != 0 || Severity(42).Valid() {
		t.Error("out of range severity should rank 0 and be invalid")
	}
}

func TestParseSeverity(t *testing.T) {
	for in, want := range map[string]Severity{
		"LOW": SeverityLow, "medium": SeverityMedium, " High ": SeverityHigh,
		"CRITICAL": SeverityCritical, "bogus": SeverityLow, "": SeverityLow,
	} {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLookupSeverity(t *testing.T) {
	if got, err := LookupSeverity(" medium "); err != nil || got != SeverityMedium {
		t.Errorf("LookupSeverity(medium) = %v, %v", got, err)
	}
	for _, in := range []string{"BOGUS", "", "UNKNOWN"} {
		if _, err := LookupSeverity(in); !IsValidation(err) {
			t.Errorf("LookupSeverity(%q) err = %v, want validation error", in, err)
		}
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(SeverityLow, SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Errorf("MaxSeverity = %v, want CRITICAL", got)
	}
	if got := MaxSeverity(); got.Valid() {
		t.Errorf("MaxSeverity() = %v, want zero", got)
	}
}

func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		S Severity `json:"s"`
	}{SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"s":"HIGH"}` {
		t.Errorf("marshal = %s", data)
	}

	var out struct {
		S Severity `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"critical"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.S != SeverityCritical {
		t.Errorf("decoded %v, want CRITICAL", out.S)
	}
	if err := json.Unmarshal([]byte(`{"s":"nonsense"}`), &out); !IsValidation(err) {
		t.Errorf("unknown name: err = %v, want validation error", err)
	}
	if err := json.Unmarshal([]byte(`{"s":3}`), &out); err == nil {
		t.Error("numeric severity should be rejected")
	}
}

func TestNewAccessEvent(t *testing.T) {
	a := NewAccessEvent("u1", "read", "DOCUMENT", AccessSuccess)
	b := NewAccessEvent("u1", "read", "DOCUMENT", AccessSuccess)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected unique IDs, got %q and %q", a.ID, b.ID)
	}
	if time.Since(a.Timestamp) > time.Minute || a.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want now in UTC", a.Timestamp)
	}
	if err := Validate(a); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestAccessEvent_ResourceKey(t *testing.T) {
	e := &AccessEvent{ResourceType: "DOCUMENT"}
	if e.ResourceKey() != "DOCUMENT" {
		t.Errorf("ResourceKey = %q", e.ResourceKey())
	}
	e.ResourceID = "42"
	if e.ResourceKey() != "DOCUMENT:42" {
		t.Errorf("ResourceKey = %q", e.ResourceKey())
	}
}

func TestUnmarshalAccessEvent_FillsDefaults(t *testing.T) {
	e, err := UnmarshalAccessEvent([]byte(`{"user_id":"u1","action":"read","resource_type":"DOCUMENT","result":"FAILURE"}`))
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Errorf("missing defaults: %+v", e)
	}

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := &AccessEvent{ID: "e1", UserID: "u1", Action: "read", ResourceType: "DOCUMENT", Result: AccessSuccess, Timestamp: ts}
	data, err := orig.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalAccessEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID != "e1" || !back.Timestamp.Equal(ts) {
		t.Errorf("round trip = %+v", back)
	}

	if _, err := UnmarshalAccessEvent([]byte("{")); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
