package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"

	"fnrunner/internal/models"
)

const (
	SessionCookie   = "fn_session"
	AccessKeyHeader = "x-access-key"
	// SecureHeader is the request header checked against a function's secure header
	SecureHeader = "x-secure-header"
)

// GuestCookie is the name of the cookie holding the guest session of one function
func GuestCookie(functionID int64) string {
	return fmt.Sprintf("fn_guest_%d", functionID)
}

// IdentityResolver finds out who is calling a function
type IdentityResolver interface {
	ResolveIdentity(r *http.Request, functionID int64) (models.Identity, error)
}

// Resolver resolves identities from sessions, access tokens and guest sessions stored in the `fn` schema
type Resolver struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewResolver(db *sqlx.DB) *Resolver {
	return &Resolver{db: db, now: time.Now}
}

// ResolveIdentity checks the access key header first, then the owner session, then the guest session of the
// function. A presented access key that is unknown or expired is an error, the other credentials fall back
// to models.Anonymous.
func (r *Resolver) ResolveIdentity(req *http.Request, functionID int64) (models.Identity, error) {
	ctx := req.Context()

	if key := req.Header.Get(AccessKeyHeader); key != "" {
		userID, err := r.accessTokenUser(ctx, key)
		if err != nil {
			return models.Anonymous, err
		}
		return models.Identity{Kind: models.IdentityToken, UserID: userID}, nil
	}

	if c, err := req.Cookie(SessionCookie); err == nil && c.Value != "" {
		var userID int64
		err := r.db.GetContext(ctx, &userID, `
SELECT user_id
FROM fn.session
WHERE token = $1
  AND expires_at > $2`, c.Value, r.now())
		if err == nil {
			return models.Identity{Kind: models.IdentityOwner, UserID: userID}, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return models.Anonymous, err
		}
	}

	if c, err := req.Cookie(GuestCookie(functionID)); err == nil && c.Value != "" {
		var guestID int64
		err := r.db.GetContext(ctx, &guestID, `
SELECT gs.guest_id
FROM fn.guest_session gs
JOIN fn.guest_permission gp ON gp.guest_id = gs.guest_id
WHERE gs.token = $1
  AND gs.expires_at > $2
  AND gp.function_id = $3`, c.Value, r.now(), functionID)
		if err == nil {
			return models.Identity{Kind: models.IdentityGuest, GuestID: guestID}, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return models.Anonymous, err
		}
	}

	return models.Anonymous, nil
}

func (r *Resolver) accessTokenUser(ctx context.Context, token string) (int64, error) {
	var row struct {
		UserID    int64     `db:"user_id"`
		ExpiresAt null.Time `db:"expires_at"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT user_id, expires_at FROM fn.access_token WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("invalid access key: %w", models.ErrAuthDenied)
	} else if err != nil {
		return 0, err
	}

	if row.ExpiresAt.Valid && row.ExpiresAt.Time.Before(r.now()) {
		return 0, fmt.Errorf("access key has expired: %w", models.ErrAuthDenied)
	}
	return row.UserID, nil
}
