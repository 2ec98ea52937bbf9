package postgres

import (
	"context"
	"fmt"

	"github.com/1sec-project/accessguard/internal/audit"
)

// Write stores an audit entry in audit_logs.
func (s *Store) Write(ctx context.Context, e audit.Entry) error {
	details, err := marshalJSON(e.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, action, resource_type, resource_id, outcome, details, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Action, e.ResourceType, e.ResourceID, string(e.Outcome), details, e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}
