// Package memory implements every repository in process. Unique constraints are
// enforced under a single mutex with name indexes, so concurrent duplicate
// inserts fail deterministically.
package memory

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/rbac"
	"github.com/1sec-project/accessguard/internal/response"
)

var (
	_ rbac.PermissionRepository   = (*Store)(nil)
	_ rbac.RoleRepository         = (*Store)(nil)
	_ rbac.AssignmentRepository   = (*Store)(nil)
	_ anomaly.EventSource         = (*Store)(nil)
	_ anomaly.BaselineStore       = (*Store)(nil)
	_ anomaly.AnomalyRepository   = (*Store)(nil)
	_ anomaly.AlertRepository     = (*Store)(nil)
	_ response.PolicyRepository   = (*Store)(nil)
	_ response.ResponseRepository = (*Store)(nil)
)

// Options bounds the in-memory event history.
type Options struct {
	// MaxTrackedUsers caps how many users keep an event window; the least
	// recently active user is evicted first.
	MaxTrackedUsers int
	// EventRetention is how far back each user's window reaches.
	EventRetention time.Duration
}

// Store holds all repositories in memory.
type Store struct {
	mu sync.RWMutex

	permissions map[string]rbac.Permission
	permByName  map[string]string
	roles       map[string]rbac.Role
	roleByName  map[string]string
	assignments map[string]map[string]rbac.Assignment // user → role → assignment

	baselines map[string]anomaly.Baseline
	anomalies map[string]anomaly.Anomaly
	alerts    map[string]anomaly.Alert

	policies     map[string]response.Policy
	policyByName map[string]string
	responses    map[string]response.SecurityResponse

	eventsMu  sync.Mutex
	events    *lru.Cache[string, *userWindow]
	resources map[string]map[string]struct{} // user → resource keys ever touched
	retention time.Duration
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.MaxTrackedUsers <= 0 {
		opts.MaxTrackedUsers = 50000
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = 10 * time.Minute
	}
	events, err := lru.New[string, *userWindow](opts.MaxTrackedUsers)
	if err != nil {
		// Only a non-positive size errors, which is excluded above.
		panic(err)
	}
	return &Store{
		permissions:  make(map[string]rbac.Permission),
		permByName:   make(map[string]string),
		roles:        make(map[string]rbac.Role),
		roleByName:   make(map[string]string),
		assignments:  make(map[string]map[string]rbac.Assignment),
		baselines:    make(map[string]anomaly.Baseline),
		anomalies:    make(map[string]anomaly.Anomaly),
		alerts:       make(map[string]anomaly.Alert),
		policies:     make(map[string]response.Policy),
		policyByName: make(map[string]string),
		responses:    make(map[string]response.SecurityResponse),
		events:       events,
		resources:    make(map[string]map[string]struct{}),
		retention:    opts.EventRetention,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func removeString(s []string, v string) ([]string, bool) {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...), true
		}
	}
	return s, false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
