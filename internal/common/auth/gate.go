package auth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"rental-queue/internal/common/database"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
)

// Gate supplies the identity and ownership facts the queue engine trusts.
type Gate interface {
	// ListingOwner returns the owner of listingID, or a LISTING_NOT_FOUND error.
	ListingOwner(ctx context.Context, listingID string) (string, error)
	IsAdmin(ctx context.Context, callerID string) (bool, error)
	ValidApplicant(ctx context.Context, callerID string) (bool, error)
}

// UserDirectory is the slice of Keycloak the gate needs.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	RealmRoles(ctx context.Context, userID string) ([]string, error)
}

type ListingGateConfig struct {
	OwnerCacheTTL time.Duration
	AdminRole     string
}

// ListingGate reads listing ownership from Postgres with a Redis read-through
// cache and user facts from Keycloak.
type ListingGate struct {
	db     *sql.DB
	cache  *database.RedisClient
	users  UserDirectory
	config ListingGateConfig
	logger logger.Logger
}

func NewListingGate(cfg ListingGateConfig, db *sql.DB, cache *database.RedisClient, users UserDirectory, log logger.Logger) *ListingGate {
	if cfg.AdminRole == "" {
		cfg.AdminRole = "admin"
	}
	return &ListingGate{
		db:     db,
		cache:  cache,
		users:  users,
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"component": "authorization-gate"}),
	}
}

func ownerCacheKey(listingID string) string {
	return "listing-owner:" + listingID
}

func (g *ListingGate) ListingOwner(ctx context.Context, listingID string) (string, error) {
	if g.cache != nil {
		owner, ok, err := g.cache.Get(ctx, ownerCacheKey(listingID))
		if err != nil {
			g.logger.Warn("owner cache read failed", map[string]interface{}{
				"listingId": listingID,
				"error":     err,
			})
		} else if ok {
			return owner, nil
		}
	}

	var owner string
	err := g.db.QueryRowContext(ctx, `SELECT owner_id FROM listings WHERE id = $1`, listingID).Scan(&owner)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.NewListingNotFoundError(listingID)
	}
	if err != nil {
		return "", errors.NewGateUnavailableError(fmt.Errorf("listing owner lookup: %w", err))
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, ownerCacheKey(listingID), owner, g.config.OwnerCacheTTL); err != nil {
			g.logger.Warn("owner cache write failed", map[string]interface{}{
				"listingId": listingID,
				"error":     err,
			})
		}
	}
	return owner, nil
}

func (g *ListingGate) IsAdmin(ctx context.Context, callerID string) (bool, error) {
	roles, err := g.users.RealmRoles(ctx, callerID)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewGateUnavailableError(err)
	}
	for _, r := range roles {
		if r == g.config.AdminRole {
			return true, nil
		}
	}
	return false, nil
}

// ValidApplicant accepts enabled users with a verified email.
func (g *ListingGate) ValidApplicant(ctx context.Context, callerID string) (bool, error) {
	user, err := g.users.GetUser(ctx, callerID)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewGateUnavailableError(err)
	}
	return user.Enabled && user.EmailVerified, nil
}

// StaticGate answers from fixed maps. Used for local runs and tests.
type StaticGate struct {
	Owners     map[string]string // listing id -> owner id
	Admins     map[string]bool
	Applicants map[string]bool // nil accepts every caller
	Err        error
}

func (s *StaticGate) ListingOwner(_ context.Context, listingID string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	owner, ok := s.Owners[listingID]
	if !ok {
		return "", errors.NewListingNotFoundError(listingID)
	}
	return owner, nil
}

func (s *StaticGate) IsAdmin(_ context.Context, callerID string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	return s.Admins[callerID], nil
}

func (s *StaticGate) ValidApplicant(_ context.Context, callerID string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	if s.Applicants == nil {
		return callerID != "", nil
	}
	return s.Applicants[callerID], nil
}
