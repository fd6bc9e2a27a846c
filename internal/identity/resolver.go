// Package identity resolves user accounts against the external identity
// service and answers the capability checks the plan workflows run before
// mutating anything.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/pkg/circuitbreaker"
)

// Role is a coarse account role from the identity service.
type Role string

const (
	RolePharmacist Role = "pharmacist"
	RolePatient    Role = "patient"
)

// User is the subset of the identity record the engine cares about.
type User struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// Config holds resolver configuration.
type Config struct {
	// BaseURL of the identity service, e.g. http://identity:8081
	BaseURL string
	// Timeout per lookup request
	Timeout time.Duration
	// CacheTTL is how long a resolved user is reused before re-fetching
	CacheTTL time.Duration
}

// DefaultConfig returns resolver defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:  baseURL,
		Timeout:  3 * time.Second,
		CacheTTL: 60 * time.Second,
	}
}

type cachedUser struct {
	user      *User
	fetchedAt time.Time
}

// Resolver looks users up over HTTP behind a circuit breaker and caches the
// results. It implements the plan package's Authorizer port.
type Resolver struct {
	config  Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]cachedUser
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig(cfg.BaseURL).Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig(cfg.BaseURL).CacheTTL
	}

	breaker, err := breakers.GetOrCreate("identity-service", circuitbreaker.DefaultConfig("identity-service"))
	if err != nil {
		return nil, fmt.Errorf("create identity breaker: %w", err)
	}

	return &Resolver{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		cache:   make(map[string]cachedUser),
	}, nil
}

// Lookup resolves a user by id. A cached entry within its TTL is returned
// without touching the identity service; this also keeps authorization
// working through short identity outages.
func (r *Resolver) Lookup(ctx context.Context, userID string) (*User, error) {
	if cached, ok := r.fromCache(userID); ok {
		return cached, nil
	}

	result, err := r.breaker.ExecuteWithFallback(ctx,
		func() (interface{}, error) {
			return r.fetch(ctx, userID)
		},
		func(cbErr error) (interface{}, error) {
			// Circuit open: fall back to a stale cache entry if any.
			if stale := r.fromCacheStale(userID); stale != nil {
				r.logger.Warn("identity service unavailable, using stale cache",
					zap.String("user_id", userID))
				return stale, nil
			}
			return nil, fmt.Errorf("identity service unavailable: %w", cbErr)
		})
	if err != nil {
		return nil, err
	}

	user := result.(*User)
	r.store(userID, user)
	return user, nil
}

// Allow implements plan.Authorizer. Creating plans needs a pharmacist
// account; posting on a thread needs any active account. Ownership checks
// stay in the plan workflows.
func (r *Resolver) Allow(ctx context.Context, userID string, action plan.Action) error {
	user, err := r.Lookup(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if !user.Active {
		return fmt.Errorf("user %s is inactive: %w", userID, plan.ErrForbidden)
	}

	switch action {
	case plan.ActionPrescribe:
		if user.Role != RolePharmacist {
			return fmt.Errorf("user %s may not prescribe: %w", userID, plan.ErrForbidden)
		}
	case plan.ActionParticipate:
		// Any active account may post on threads it owns.
	default:
		return fmt.Errorf("unknown action %q: %w", action, plan.ErrForbidden)
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, userID string) (*User, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s", r.config.BaseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("user %s: %w", userID, plan.ErrForbidden)
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	if user.ID == "" {
		user.ID = userID
	}
	return &user, nil
}

func (r *Resolver) fromCache(userID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[userID]
	if !ok || time.Since(entry.fetchedAt) > r.config.CacheTTL {
		return nil, false
	}
	return entry.user, true
}

// fromCacheStale returns a cached user regardless of TTL.
func (r *Resolver) fromCacheStale(userID string) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.cache[userID]; ok {
		return entry.user
	}
	return nil
}

func (r *Resolver) store(userID string, user *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[userID] = cachedUser{user: user, fetchedAt: time.Now()}
}
