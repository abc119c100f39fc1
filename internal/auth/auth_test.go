package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fnrunner/internal/auth"
	"fnrunner/internal/config"
	"fnrunner/internal/database"
	"fnrunner/internal/models"
)

func TestAuthorize(t *testing.T) {
	public := &models.Function{ID: 1, UserID: 10, AllowHTTP: true}
	secured := &models.Function{ID: 2, UserID: 10, AllowHTTP: true, SecureHeader: null.StringFrom("s3cret")}
	guarded := &models.Function{ID: 3, UserID: 10, AllowHTTP: true, GuestAccess: true}

	owner := models.Identity{Kind: models.IdentityOwner, UserID: 10}
	stranger := models.Identity{Kind: models.IdentityOwner, UserID: 11}
	ownerToken := models.Identity{Kind: models.IdentityToken, UserID: 10}
	strangerToken := models.Identity{Kind: models.IdentityToken, UserID: 11}
	guest := models.Identity{Kind: models.IdentityGuest, GuestID: 5}

	tests := []struct {
		name       string
		identity   models.Identity
		fn         *models.Function
		origin     models.Origin
		header     string
		allowed    bool
		guestLogin bool
	}{
		{"anonymous on public function", models.Anonymous, public, models.OriginHTTP, "", true, false},
		{"missing secure header", models.Anonymous, secured, models.OriginHTTP, "", false, false},
		{"wrong secure header", models.Anonymous, secured, models.OriginHTTP, "guess", false, false},
		{"right secure header", models.Anonymous, secured, models.OriginHTTP, "s3cret", true, false},
		{"owner session still needs the secure header", owner, secured, models.OriginHTTP, "", false, false},
		{"owner session with the secure header", owner, secured, models.OriginHTTP, "s3cret", true, false},
		{"token of the owner", ownerToken, public, models.OriginHTTP, "", true, false},
		{"token of the owner without the secure header", ownerToken, secured, models.OriginHTTP, "", true, false},
		{"token of the owner with a wrong secure header", ownerToken, secured, models.OriginHTTP, "guess", true, false},
		{"token of someone else", strangerToken, public, models.OriginHTTP, "", false, false},
		{"token of someone else with the secure header", strangerToken, secured, models.OriginHTTP, "s3cret", false, false},
		{"token of the owner on a guest gate", ownerToken, guarded, models.OriginHTTP, "", true, false},
		{"guest gate without session", models.Anonymous, guarded, models.OriginHTTP, "", false, true},
		{"guest gate with session", guest, guarded, models.OriginHTTP, "", true, false},
		{"guest gate with owner session", owner, guarded, models.OriginHTTP, "", true, false},
		{"guest gate with other session", stranger, guarded, models.OriginHTTP, "", false, true},
		{"execute endpoint as owner", owner, secured, models.OriginCLI, "", true, false},
		{"execute endpoint with owner token", ownerToken, public, models.OriginCLI, "", true, false},
		{"execute endpoint as anonymous", models.Anonymous, public, models.OriginCLI, "", false, false},
		{"execute endpoint as guest", guest, guarded, models.OriginCLI, "", false, false},
		{"trigger", models.Anonymous, guarded, models.OriginTrigger, "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := auth.Authorize(tt.identity, tt.fn, tt.origin, tt.header)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			assert.Equal(t, tt.guestLogin, d.GuestLogin)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

// testDB connects to the configured database, skipping the test when it is not reachable
func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	conf, err := config.LoadConfig()
	if err != nil {
		t.Skipf("No usable config: %v", err)
	}
	db, err := database.New(conf)
	if err != nil {
		t.Skipf("Database not available: %v", err)
	}
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	require.NoError(t, database.EnsureSchema(context.Background(), db))
	return db
}

func TestResolver(t *testing.T) {
	db := testDB(t)

	var userID, fnID, guestID int64
	require.NoError(t, db.QueryRow(`INSERT INTO fn.account (email) VALUES ($1) RETURNING id`, uuid.NewString()+"@example.com").Scan(&userID))
	require.NoError(t, db.QueryRow(`
INSERT INTO fn.function (user_id, name, image, startup_file, guest_access)
VALUES ($1, 'gated', 'python:3.12', 'main.py', TRUE)
RETURNING id`, userID).Scan(&fnID))
	require.NoError(t, db.QueryRow(`INSERT INTO fn.guest_user (owner_id, name) VALUES ($1, 'visitor') RETURNING id`, userID).Scan(&guestID))
	_, err := db.Exec(`INSERT INTO fn.guest_permission (guest_id, function_id) VALUES ($1, $2)`, guestID, fnID)
	require.NoError(t, err)

	session, token, expired, guestSession := uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()
	later := time.Now().Add(time.Hour)
	_, err = db.Exec(`INSERT INTO fn.session (token, user_id, expires_at) VALUES ($1, $2, $3)`, session, userID, later)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO fn.access_token (token, user_id) VALUES ($1, $2)`, token, userID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO fn.access_token (token, user_id, expires_at) VALUES ($1, $2, $3)`, expired, userID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO fn.guest_session (token, guest_id, expires_at) VALUES ($1, $2, $3)`, guestSession, guestID, later)
	require.NoError(t, err)

	resolver := auth.NewResolver(db)
	request := func(modify func(r *http.Request)) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		modify(r)
		return r
	}

	t.Run("access key", func(t *testing.T) {
		id, err := resolver.ResolveIdentity(request(func(r *http.Request) { r.Header.Set(auth.AccessKeyHeader, token) }), fnID)
		require.NoError(t, err)
		assert.Equal(t, models.Identity{Kind: models.IdentityToken, UserID: userID}, id)
	})

	t.Run("unknown or expired access key", func(t *testing.T) {
		for _, key := range []string{"nope", expired} {
			_, err := resolver.ResolveIdentity(request(func(r *http.Request) { r.Header.Set(auth.AccessKeyHeader, key) }), fnID)
			assert.ErrorIs(t, err, models.ErrAuthDenied)
		}
	})

	t.Run("owner session", func(t *testing.T) {
		id, err := resolver.ResolveIdentity(request(func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: session})
		}), fnID)
		require.NoError(t, err)
		assert.Equal(t, models.Identity{Kind: models.IdentityOwner, UserID: userID}, id)
	})

	t.Run("guest session is bound to the function", func(t *testing.T) {
		id, err := resolver.ResolveIdentity(request(func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: auth.GuestCookie(fnID), Value: guestSession})
		}), fnID)
		require.NoError(t, err)
		assert.Equal(t, models.Identity{Kind: models.IdentityGuest, GuestID: guestID}, id)

		id, err = resolver.ResolveIdentity(request(func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: auth.GuestCookie(fnID + 1), Value: guestSession})
		}), fnID+1)
		require.NoError(t, err)
		assert.Equal(t, models.Anonymous, id)
	})

	t.Run("no credentials", func(t *testing.T) {
		id, err := resolver.ResolveIdentity(request(func(*http.Request) {}), fnID)
		require.NoError(t, err)
		assert.Equal(t, models.Anonymous, id)
	})
}
