package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/response"
)

const policyColumns = `id, name, description, trigger, action, params, enabled, created_at, updated_at`

func scanPolicy(row pgx.Row) (response.Policy, error) {
	var (
		p   response.Policy
		raw []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Trigger, &p.Action, &raw, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return response.Policy{}, err
	}
	params, err := unmarshalJSON[map[string]string](raw)
	if err != nil {
		return response.Policy{}, fmt.Errorf("decoding policy params: %w", err)
	}
	p.Params = params
	return p, nil
}

func (s *Store) queryPolicies(ctx context.Context, sql string, args ...any) ([]response.Policy, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []response.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePolicy(ctx context.Context, p response.Policy) (response.Policy, error) {
	params, err := marshalJSON(p.Params)
	if err != nil {
		return response.Policy{}, fmt.Errorf("encoding policy params: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO response_policies (`+policyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, p.Description, p.Trigger, string(p.Action), params, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return response.Policy{}, fmt.Errorf("policy %q: %w", p.Name, core.ErrDuplicateName)
	}
	if err != nil {
		return response.Policy{}, fmt.Errorf("inserting policy: %w", err)
	}
	return p, nil
}

func (s *Store) GetPolicy(ctx context.Context, id string) (response.Policy, error) {
	p, err := scanPolicy(s.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM response_policies WHERE id = $1`, id))
	if err != nil {
		return response.Policy{}, noRows(err, id, response.ErrPolicyNotFound)
	}
	return p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]response.Policy, error) {
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM response_policies ORDER BY name`)
}

func (s *Store) ListPoliciesByTrigger(ctx context.Context, trigger string) ([]response.Policy, error) {
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM response_policies WHERE trigger = $1 ORDER BY name`, trigger)
}

func (s *Store) UpdatePolicy(ctx context.Context, p response.Policy) error {
	params, err := marshalJSON(p.Params)
	if err != nil {
		return fmt.Errorf("encoding policy params: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE response_policies
		SET name = $2, description = $3, trigger = $4, action = $5, params = $6, enabled = $7, updated_at = $8
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.Trigger, string(p.Action), params, p.Enabled, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %q: %w", p.Name, core.ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", p.ID, response.ErrPolicyNotFound)
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM response_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, response.ErrPolicyNotFound)
	}
	return nil
}

const responseColumns = `id, policy_id, triggered_by, action, target_user_id, target_device_id, status, result, error, created_at, completed_at`

func scanResponse(row pgx.Row) (response.SecurityResponse, error) {
	var (
		r   response.SecurityResponse
		raw []byte
	)
	if err := row.Scan(&r.ID, &r.PolicyID, &r.TriggeredBy, &r.Action, &r.TargetUserID, &r.TargetDeviceID,
		&r.Status, &raw, &r.Error, &r.CreatedAt, &r.CompletedAt); err != nil {
		return response.SecurityResponse{}, err
	}
	result, err := unmarshalJSON[map[string]interface{}](raw)
	if err != nil {
		return response.SecurityResponse{}, fmt.Errorf("decoding response result: %w", err)
	}
	r.Result = result
	return r, nil
}

func (s *Store) CreateResponse(ctx context.Context, r response.SecurityResponse) (response.SecurityResponse, error) {
	result, err := marshalJSON(r.Result)
	if err != nil {
		return response.SecurityResponse{}, fmt.Errorf("encoding response result: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO security_responses (`+responseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PolicyID, r.TriggeredBy, string(r.Action), r.TargetUserID, r.TargetDeviceID,
		string(r.Status), result, r.Error, r.CreatedAt, r.CompletedAt)
	if isUniqueViolation(err) {
		return response.SecurityResponse{}, fmt.Errorf("response %s: %w", r.ID, core.ErrConflict)
	}
	if err != nil {
		return response.SecurityResponse{}, fmt.Errorf("inserting response: %w", err)
	}
	return r, nil
}

func (s *Store) GetResponse(ctx context.Context, id string) (response.SecurityResponse, error) {
	r, err := scanResponse(s.db.QueryRow(ctx, `SELECT `+responseColumns+` FROM security_responses WHERE id = $1`, id))
	if err != nil {
		return response.SecurityResponse{}, noRows(err, id, response.ErrResponseNotFound)
	}
	return r, nil
}

func (s *Store) UpdateResponse(ctx context.Context, r response.SecurityResponse) error {
	result, err := marshalJSON(r.Result)
	if err != nil {
		return fmt.Errorf("encoding response result: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE security_responses SET status = $2, result = $3, error = $4, completed_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), result, r.Error, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", r.ID, response.ErrResponseNotFound)
	}
	return nil
}

func (s *Store) ListResponses(ctx context.Context, f response.HistoryFilter) ([]response.SecurityResponse, error) {
	sql, args := responseQuery(f)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []response.SecurityResponse{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func responseQuery(f response.HistoryFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.PolicyID != "" {
		args = append(args, f.PolicyID)
		conditions = append(conditions, fmt.Sprintf("policy_id = $%d", len(args)))
	}
	if f.TargetUserID != "" {
		args = append(args, f.TargetUserID)
		conditions = append(conditions, fmt.Sprintf("target_user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	sql := `SELECT ` + responseColumns + ` FROM security_responses`
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

func (s *Store) CountResponsesByStatus(ctx context.Context) (map[response.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM security_responses GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[response.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[response.Status(status)] = n
	}
	return counts, rows.Err()
}
