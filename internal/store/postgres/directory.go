package postgres

import (
	"context"
	"fmt"

	"github.com/1sec-project/accessguard/internal/directory"
)

// ListAdmins returns active administrators ordered by ID.
func (s *Store) ListAdmins(ctx context.Context) ([]directory.User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, email, name, is_admin, status, updated_at FROM users
		WHERE is_admin AND status = $1 ORDER BY id`, string(directory.UserActive))
	if err != nil {
		return nil, fmt.Errorf("listing administrators: %w", err)
	}
	defer rows.Close()
	var out []directory.User
	for rows.Next() {
		var u directory.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Admin, &u.Status, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetUserStatus(ctx context.Context, userID string, status directory.UserStatus) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRow(ctx, `
		UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1
		RETURNING id, email, name, is_admin, status, updated_at`, userID, string(status)).
		Scan(&u.ID, &u.Email, &u.Name, &u.Admin, &u.Status, &u.UpdatedAt)
	if err != nil {
		return directory.User{}, noRows(err, userID, directory.ErrUserNotFound)
	}
	return u, nil
}

// UpsertUser inserts or replaces a user record.
func (s *Store) UpsertUser(ctx context.Context, u directory.User) error {
	if u.Status == "" {
		u.Status = directory.UserActive
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, name, is_admin, status, updated_at) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name,
			is_admin = EXCLUDED.is_admin, status = EXCLUDED.status, updated_at = NOW()`,
		u.ID, u.Email, u.Name, u.Admin, string(u.Status))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

const deviceColumns = `id, user_id, fingerprint, name, status, updated_at`

func (s *Store) GetDeviceByID(ctx context.Context, id string) (directory.Device, error) {
	var d directory.Device
	err := s.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id).
		Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.Status, &d.UpdatedAt)
	if err != nil {
		return directory.Device{}, noRows(err, id, directory.ErrDeviceNotFound)
	}
	return d, nil
}

func (s *Store) MarkAsCompromised(ctx context.Context, fingerprint string) (directory.Device, error) {
	var d directory.Device
	err := s.db.QueryRow(ctx, `
		UPDATE devices SET status = $2, updated_at = NOW() WHERE fingerprint = $1
		RETURNING `+deviceColumns, fingerprint, string(directory.DeviceCompromised)).
		Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.Status, &d.UpdatedAt)
	if err != nil {
		return directory.Device{}, noRows(err, fingerprint, directory.ErrDeviceNotFound)
	}
	return d, nil
}

// UpsertDevice inserts or replaces a device record.
func (s *Store) UpsertDevice(ctx context.Context, d directory.Device) error {
	if d.Status == "" {
		d.Status = directory.DeviceTrusted
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO devices (id, user_id, fingerprint, name, status, updated_at) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, fingerprint = EXCLUDED.fingerprint,
			name = EXCLUDED.name, status = EXCLUDED.status, updated_at = NOW()`,
		d.ID, d.UserID, d.Fingerprint, d.Name, string(d.Status))
	if isUniqueViolation(err) {
		return fmt.Errorf("device fingerprint %s already registered: %w", d.Fingerprint, directory.ErrDeviceConflict)
	}
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRow(ctx, `SELECT id, email, name, is_admin, status, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Admin, &u.Status, &u.UpdatedAt)
	if err != nil {
		return directory.User{}, noRows(err, id, directory.ErrUserNotFound)
	}
	return u, nil
}
