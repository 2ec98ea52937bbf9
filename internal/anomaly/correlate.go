package anomaly

import (
	"strings"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

// CorrelateAnomalies groups anomalies into one escalated finding. It correlates
// only when there are at least two anomalies, all for the same user, and the
// spread between the earliest and latest detection is within window (which
// bounds every pairwise delta). The correlated severity is the highest rank
// present and the description lists the types in input order.
//
// Otherwise the first anomaly's severity and description are echoed back.
func CorrelateAnomalies(anomalies []Anomaly, window time.Duration) Correlation {
	if len(anomalies) == 0 {
		return Correlation{}
	}
	first := anomalies[0]
	uncorrelated := Correlation{
		UserID:      first.UserID,
		Severity:    first.Severity,
		Description: first.Description,
	}
	if len(anomalies) < 2 {
		return uncorrelated
	}

	earliest, latest := first.DetectedAt, first.DetectedAt
	for _, a := range anomalies[1:] {
		if a.UserID != first.UserID {
			return uncorrelated
		}
		if a.DetectedAt.Before(earliest) {
			earliest = a.DetectedAt
		}
		if a.DetectedAt.After(latest) {
			latest = a.DetectedAt
		}
	}
	if latest.Sub(earliest) > window {
		return uncorrelated
	}

	severities := make([]core.Severity, 0, len(anomalies))
	types := make([]string, 0, len(anomalies))
	ids := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		severities = append(severities, a.Severity)
		types = append(types, string(a.Type))
		ids = append(ids, a.ID)
	}
	return Correlation{
		Correlated:  true,
		UserID:      first.UserID,
		Severity:    core.MaxSeverity(severities...),
		Description: strings.Join(types, ", "),
		AnomalyIDs:  ids,
	}
}
