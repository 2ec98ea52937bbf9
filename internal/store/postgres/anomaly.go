package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
)

// RecordEvent inserts e and reports whether the user had never touched the
// resource before. The set of touched resources outlives event pruning.
func (s *Store) RecordEvent(ctx context.Context, e core.AccessEvent) (bool, error) {
	key := e.ResourceKey()
	var first bool
	err := s.withTx(ctx, func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			INSERT INTO user_resources (user_id, resource_key, first_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, resource_key) DO NOTHING`,
			e.UserID, key, e.Timestamp)
		if err != nil {
			return err
		}
		first = tag.RowsAffected() == 1
		_, err = tx.db.Exec(ctx, `
			INSERT INTO access_events (id, user_id, action, resource_type, resource_key, result, ip_address, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.UserID, e.Action, e.ResourceType, key, string(e.Result), e.IPAddress, e.Timestamp)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("recording access event: %w", err)
	}
	return first, nil
}

func (s *Store) CountEvents(ctx context.Context, userID string, result core.AccessResult, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM access_events WHERE user_id = $1 AND result = $2 AND occurred_at >= $3`,
		userID, string(result), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting access events: %w", err)
	}
	return n, nil
}

// PruneEvents deletes events older than before and returns how many went.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM access_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning access events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetBaseline(ctx context.Context, userID string) (anomaly.Baseline, bool, error) {
	var (
		b    anomaly.Baseline
		last *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT user_id, access_count, failed_access_count, unique_resources_accessed, average_access_time, last_access_time
		FROM baselines WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.AccessCount, &b.FailedAccessCount, &b.UniqueResourcesAccessed, &b.AverageAccessTime, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Baseline{}, false, nil
	}
	if err != nil {
		return anomaly.Baseline{}, false, fmt.Errorf("reading baseline: %w", err)
	}
	if last != nil {
		b.LastAccessTime = *last
	}
	return b, true, nil
}

func (s *Store) UpsertBaseline(ctx context.Context, b anomaly.Baseline) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO baselines (user_id, access_count, failed_access_count, unique_resources_accessed, average_access_time, last_access_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			access_count = EXCLUDED.access_count,
			failed_access_count = EXCLUDED.failed_access_count,
			unique_resources_accessed = EXCLUDED.unique_resources_accessed,
			average_access_time = EXCLUDED.average_access_time,
			last_access_time = EXCLUDED.last_access_time`,
		b.UserID, b.AccessCount, b.FailedAccessCount, b.UniqueResourcesAccessed, b.AverageAccessTime, b.LastAccessTime)
	if err != nil {
		return fmt.Errorf("upserting baseline: %w", err)
	}
	return nil
}

const anomalyColumns = `id, user_id, type, severity, description, context, status, detected_at, resolved_at`

func scanAnomaly(row pgx.Row) (anomaly.Anomaly, error) {
	var (
		a   anomaly.Anomaly
		raw []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Severity, &a.Description, &raw, &a.Status, &a.DetectedAt, &a.ResolvedAt); err != nil {
		return anomaly.Anomaly{}, err
	}
	details, err := unmarshalJSON[map[string]interface{}](raw)
	if err != nil {
		return anomaly.Anomaly{}, fmt.Errorf("decoding anomaly context: %w", err)
	}
	a.Context = details
	return a, nil
}

func (s *Store) CreateAnomaly(ctx context.Context, a anomaly.Anomaly) (anomaly.Anomaly, error) {
	details, err := marshalJSON(a.Context)
	if err != nil {
		return anomaly.Anomaly{}, fmt.Errorf("encoding anomaly context: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO anomalies (`+anomalyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, string(a.Type), int(a.Severity), a.Description, details, string(a.Status), a.DetectedAt, a.ResolvedAt)
	if isUniqueViolation(err) {
		return anomaly.Anomaly{}, fmt.Errorf("anomaly %s: %w", a.ID, core.ErrConflict)
	}
	if err != nil {
		return anomaly.Anomaly{}, fmt.Errorf("inserting anomaly: %w", err)
	}
	return a, nil
}

func (s *Store) GetAnomaly(ctx context.Context, id string) (anomaly.Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id))
	if err != nil {
		return anomaly.Anomaly{}, noRows(err, id, anomaly.ErrAnomalyNotFound)
	}
	return a, nil
}

func (s *Store) ListUserAnomalies(ctx context.Context, userID string, since time.Time) ([]anomaly.Anomaly, error) {
	rows, err := s.db.Query(ctx, `SELECT `+anomalyColumns+` FROM anomalies
		WHERE user_id = $1 AND ($2::timestamptz IS NULL OR detected_at >= $2)
		ORDER BY detected_at DESC`, userID, nullTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []anomaly.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAnomaly(ctx context.Context, a anomaly.Anomaly) error {
	tag, err := s.db.Exec(ctx, `UPDATE anomalies SET status = $2, resolved_at = $3 WHERE id = $1`,
		a.ID, string(a.Status), a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("updating anomaly: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", a.ID, anomaly.ErrAnomalyNotFound)
	}
	return nil
}

const alertColumns = `id, anomaly_id, user_id, severity, description, action, status, created_at, acknowledged_at, resolved_at`

func scanAlert(row pgx.Row) (anomaly.Alert, error) {
	var a anomaly.Alert
	err := row.Scan(&a.ID, &a.AnomalyID, &a.UserID, &a.Severity, &a.Description, &a.Action, &a.Status, &a.CreatedAt, &a.AcknowledgedAt, &a.ResolvedAt)
	return a, err
}

func (s *Store) CreateAlert(ctx context.Context, a anomaly.Alert) (anomaly.Alert, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.AnomalyID, a.UserID, int(a.Severity), a.Description, a.Action, string(a.Status), a.CreatedAt, a.AcknowledgedAt, a.ResolvedAt)
	if isUniqueViolation(err) {
		return anomaly.Alert{}, fmt.Errorf("alert %s: %w", a.ID, core.ErrConflict)
	}
	if err != nil {
		return anomaly.Alert{}, fmt.Errorf("inserting alert: %w", err)
	}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (anomaly.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return anomaly.Alert{}, noRows(err, id, anomaly.ErrAlertNotFound)
	}
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f anomaly.AlertFilter) ([]anomaly.Alert, error) {
	sql, args := alertQuery(f)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []anomaly.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// alertQuery builds the filtered alert listing.
func alertQuery(f anomaly.AlertFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.MinSeverity.Valid() {
		args = append(args, f.MinSeverity.Rank())
		conditions = append(conditions, fmt.Sprintf("severity >= $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	sql := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conditions) > 0 {
		sql += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	sql += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

func (s *Store) UpdateAlert(ctx context.Context, a anomaly.Alert) error {
	tag, err := s.db.Exec(ctx, `UPDATE alerts SET status = $2, acknowledged_at = $3, resolved_at = $4 WHERE id = $1`,
		a.ID, string(a.Status), a.AcknowledgedAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("updating alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", a.ID, anomaly.ErrAlertNotFound)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
