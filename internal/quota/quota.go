// ABOUTME: Tiered rate limiting and resource ceilings for bridge accounts
// ABOUTME: Fixed-window counters behind an injectable CounterStore abstraction

package quota

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// Window is the fixed rate-limit window length.
const Window = time.Minute

// TierLimits holds the ceilings for one account tier.
type TierLimits struct {
	RequestsPerMinute int
	MaxBridges        int
	MaxEndpoints      int // per bridge
	MaxTools          int
	MaxResources      int
	MaxPrompts        int
	AllowedMethods    []string // nil means all methods
}

// Built-in tiers. Tier is resolved from a user attribute, not payment status.
var (
	DemoLimits = TierLimits{
		RequestsPerMinute: 30,
		MaxBridges:        2,
		MaxEndpoints:      5,
		MaxTools:          3,
		MaxResources:      2,
		MaxPrompts:        2,
		AllowedMethods:    []string{http.MethodGet, http.MethodPost},
	}
	RegularLimits = TierLimits{
		RequestsPerMinute: 100,
		MaxBridges:        10,
		MaxEndpoints:      20,
		MaxTools:          15,
		MaxResources:      10,
		MaxPrompts:        10,
	}
)

// LimitsForTier returns the ceilings for a tier. Unknown tiers get regular
// limits.
func LimitsForTier(tier store.Tier) TierLimits {
	if tier == store.TierDemo {
		return DemoLimits
	}
	return RegularLimits
}

// RateResult is the outcome of a rate check.
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CeilingResult is the outcome of a resource ceiling check. Advisory only:
// the persistence layer's constraints are the authoritative backstop under
// concurrent creation.
type CeilingResult struct {
	Allowed bool
	Message string
}

// ResourceKind names a countable resource for ceiling checks.
type ResourceKind string

const (
	ResourceBridges   ResourceKind = "bridges"
	ResourceEndpoints ResourceKind = "endpoints"
	ResourceTools     ResourceKind = "tools"
	ResourceResources ResourceKind = "resources"
	ResourcePrompts   ResourceKind = "prompts"
)

// CounterStore is the injectable fixed-window counter backend. The memory
// implementation is process-local; swap in the Redis implementation to share
// windows across gateway instances.
type CounterStore interface {
	// Incr increments the counter for key within the current fixed window,
	// creating the window if absent. Returns the post-increment count and
	// the window's reset time.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Manager performs rate and resource-ceiling checks.
type Manager struct {
	counters CounterStore
	store    store.Store
	logger   *slog.Logger
}

// NewManager creates a quota manager over the given counter store.
func NewManager(counters CounterStore, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		counters: counters,
		store:    st,
		logger:   logger.With("component", "quota"),
	}
}

// CheckRate counts one request against the identity's current window.
// identity is a user ID or token ID; exactly one limiter applies per
// identity class. limit <= 0 means unlimited.
func (m *Manager) CheckRate(ctx context.Context, identity string, limit int) (RateResult, error) {
	if limit <= 0 {
		return RateResult{Allowed: true, Remaining: -1}, nil
	}

	count, resetAt, err := m.counters.Incr(ctx, "rate:"+identity, Window)
	if err != nil {
		return RateResult{}, fmt.Errorf("incrementing rate counter: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= int64(limit)
	if !allowed {
		m.logger.Debug("rate limit exceeded", "identity", identity, "count", count, "limit", limit)
	}
	return RateResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// MethodAllowed reports whether a tier may use an HTTP method.
func MethodAllowed(limits TierLimits, method string) bool {
	if limits.AllowedMethods == nil {
		return true
	}
	for _, allowed := range limits.AllowedMethods {
		if strings.EqualFold(allowed, method) {
			return true
		}
	}
	return false
}

// CheckResourceCeiling compares current counts against the tier ceiling for
// one resource kind. Count-then-create: a true result is advisory under
// concurrent creation.
func (m *Manager) CheckResourceCeiling(ctx context.Context, userID string, kind ResourceKind, bridgeID string) (CeilingResult, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return CeilingResult{}, fmt.Errorf("looking up user: %w", err)
	}
	limits := LimitsForTier(user.Tier)

	switch kind {
	case ResourceBridges:
		count, err := m.store.CountBridges(ctx, userID)
		if err != nil {
			return CeilingResult{}, err
		}
		if count >= limits.MaxBridges {
			return CeilingResult{Message: fmt.Sprintf("bridge limit reached (%d)", limits.MaxBridges)}, nil
		}
	case ResourceEndpoints:
		count, err := m.store.CountEndpoints(ctx, bridgeID)
		if err != nil {
			return CeilingResult{}, err
		}
		if count >= limits.MaxEndpoints {
			return CeilingResult{Message: fmt.Sprintf("endpoint limit reached (%d per bridge)", limits.MaxEndpoints)}, nil
		}
	case ResourceTools, ResourceResources, ResourcePrompts:
		b, err := m.store.GetBridge(ctx, bridgeID)
		if err != nil {
			return CeilingResult{}, err
		}
		var count, max int
		switch kind {
		case ResourceTools:
			count, max = len(b.Tools), limits.MaxTools
		case ResourceResources:
			count, max = len(b.Resources), limits.MaxResources
		case ResourcePrompts:
			count, max = len(b.Prompts), limits.MaxPrompts
		}
		if count >= max {
			return CeilingResult{Message: fmt.Sprintf("%s limit reached (%d)", kind, max)}, nil
		}
	default:
		return CeilingResult{}, fmt.Errorf("unknown resource kind %q", kind)
	}

	return CeilingResult{Allowed: true}, nil
}
