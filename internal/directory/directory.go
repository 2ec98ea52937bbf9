// Package directory holds the identity collaborators the response engine acts
// on: user accounts, registered devices and login sessions.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

var (
	ErrUserNotFound    = fmt.Errorf("user: %w", core.ErrNotFound)
	ErrDeviceNotFound  = fmt.Errorf("device: %w", core.ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("session: %w", core.ErrNotFound)
	ErrDeviceConflict  = fmt.Errorf("device: %w", core.ErrConflict)
)

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserDisabled UserStatus = "DISABLED"
)

// DeviceStatus is the trust state of a registered device.
type DeviceStatus string

const (
	DeviceTrusted     DeviceStatus = "TRUSTED"
	DeviceCompromised DeviceStatus = "COMPROMISED"
)

// User is an account known to the directory.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name,omitempty"`
	Admin     bool       `json:"admin"`
	Status    UserStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Device is a client device bound to a user.
type Device struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Fingerprint string       `json:"fingerprint"`
	Name        string       `json:"name,omitempty"`
	Status      DeviceStatus `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Session is a login session held by a user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserDirectory enumerates administrators and changes account status.
type UserDirectory interface {
	ListAdmins(ctx context.Context) ([]User, error)
	SetUserStatus(ctx context.Context, userID string, status UserStatus) (User, error)
}

// DeviceManager looks up devices and flags them as compromised.
type DeviceManager interface {
	GetDeviceByID(ctx context.Context, id string) (Device, error)
	MarkAsCompromised(ctx context.Context, fingerprint string) (Device, error)
}

// SessionStore revokes and counts a user's sessions.
type SessionStore interface {
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	CountForUser(ctx context.Context, userID string) (int, error)
}

// UserStore adds the provisioning side of the user directory.
type UserStore interface {
	UserDirectory
	GetUser(ctx context.Context, id string) (User, error)
	UpsertUser(ctx context.Context, u User) error
}

// DeviceStore adds device registration to DeviceManager.
type DeviceStore interface {
	DeviceManager
	UpsertDevice(ctx context.Context, d Device) error
}

// SessionManager adds session creation to SessionStore.
type SessionManager interface {
	SessionStore
	Create(ctx context.Context, s Session) error
}
