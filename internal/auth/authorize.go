package auth

import (
	"crypto/subtle"

	"fnrunner/internal/models"
)

// Decision is the outcome of an authorization check
type Decision struct {
	Allowed bool
	Reason  string
	// GuestLogin is set when a guest-gated function was called without a guest session. The caller
	// should be sent to the guest sign-in page.
	GuestLogin bool
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorize decides whether identity may run fn from origin. secureHeader is the value the caller sent in
// the secure header, if any.
//
// Trigger executions are always allowed. Execute endpoint calls need the owner of the function. On HTTP
// calls an access token decides alone: it must belong to the owner, and when it does the secure header
// is not needed. Other HTTP calls must carry the function's secure header when one is set, and
// guest-gated functions need a guest session unless the owner calls.
func Authorize(identity models.Identity, fn *models.Function, origin models.Origin, secureHeader string) Decision {
	switch origin {
	case models.OriginTrigger:
		return allow("trigger")
	case models.OriginCLI:
		if isOwner(identity, fn) {
			return allow("owner")
		}
		return deny("only the owner can execute this function")
	}

	if identity.Kind == models.IdentityToken {
		if identity.UserID != fn.UserID {
			return deny("access token does not own the function")
		}
		return allow("access token owns the function")
	}

	if fn.SecureHeader.Valid && fn.SecureHeader.String != "" {
		if secureHeader == "" {
			return deny("missing secure header")
		}
		if subtle.ConstantTimeCompare([]byte(secureHeader), []byte(fn.SecureHeader.String)) != 1 {
			return deny("invalid secure header")
		}
	}

	if identity.Kind == models.IdentityOwner && identity.UserID == fn.UserID {
		return allow("owner session")
	}

	if fn.GuestAccess {
		if identity.Kind == models.IdentityGuest {
			return allow("guest session")
		}
		return Decision{Reason: "guest session required", GuestLogin: true}
	}

	return allow("public")
}

func isOwner(identity models.Identity, fn *models.Function) bool {
	switch identity.Kind {
	case models.IdentityOwner, models.IdentityToken:
		return identity.UserID == fn.UserID
	}
	return false
}
