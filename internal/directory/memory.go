package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryUsers is an in-process UserDirectory.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]User)}
	for _, u := range users {
		m.PutUser(u)
	}
	return m
}

// PutUser inserts or replaces a user. An empty status defaults to ACTIVE.
func (m *MemoryUsers) PutUser(u User) {
	if u.Status == "" {
		u.Status = UserActive
	}
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *MemoryUsers) UpsertUser(_ context.Context, u User) error {
	m.PutUser(u)
	return nil
}

func (m *MemoryUsers) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// ListAdmins returns active administrators ordered by ID.
func (m *MemoryUsers) ListAdmins(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var admins []User
	for _, u := range m.users {
		if u.Admin && u.Status == UserActive {
			admins = append(admins, u)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].ID < admins[j].ID })
	return admins, nil
}

func (m *MemoryUsers) SetUserStatus(_ context.Context, userID string, status UserStatus) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return u, nil
}

// MemoryDevices is an in-process DeviceManager.
type MemoryDevices struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewMemoryDevices(devices ...Device) *MemoryDevices {
	m := &MemoryDevices{devices: make(map[string]Device)}
	for _, d := range devices {
		m.PutDevice(d)
	}
	return m
}

// PutDevice inserts or replaces a device. An empty status defaults to TRUSTED.
func (m *MemoryDevices) PutDevice(d Device) {
	if d.Status == "" {
		d.Status = DeviceTrusted
	}
	m.mu.Lock()
	m.devices[d.ID] = d
	m.mu.Unlock()
}

// UpsertDevice registers d, rejecting a fingerprint owned by another device.
func (m *MemoryDevices) UpsertDevice(_ context.Context, d Device) error {
	if d.Status == "" {
		d.Status = DeviceTrusted
	}
	d.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.devices {
		if id != d.ID && existing.Fingerprint == d.Fingerprint {
			return fmt.Errorf("fingerprint %s already registered: %w", d.Fingerprint, ErrDeviceConflict)
		}
	}
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryDevices) GetDeviceByID(_ context.Context, id string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (m *MemoryDevices) MarkAsCompromised(_ context.Context, fingerprint string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		if d.Fingerprint != fingerprint {
			continue
		}
		d.Status = DeviceCompromised
		d.UpdatedAt = time.Now().UTC()
		m.devices[id] = d
		return d, nil
	}
	return Device{}, ErrDeviceNotFound
}

// MemorySessions is an in-process SessionStore.
type MemorySessions struct {
	mu     sync.Mutex
	byUser map[string]map[string]Session
	now    func() time.Time
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		byUser: make(map[string]map[string]Session),
		now:    time.Now,
	}
}

func (m *MemorySessions) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.byUser[s.UserID]
	if !ok {
		sessions = make(map[string]Session)
		m.byUser[s.UserID] = sessions
	}
	sessions[s.ID] = s
	return nil
}

func (m *MemorySessions) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.liveLocked(userID)
	delete(m.byUser, userID)
	return n, nil
}

func (m *MemorySessions) CountForUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(userID), nil
}

func (m *MemorySessions) liveLocked(userID string) int {
	now := m.now()
	n := 0
	for id, s := range m.byUser[userID] {
		if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
			delete(m.byUser[userID], id)
			continue
		}
		n++
	}
	return n
}
