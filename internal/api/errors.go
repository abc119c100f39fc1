package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/gateway"
	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
)

// statusFor maps invocation errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrFunctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAllowed), errors.Is(err, models.ErrAuthDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrAdmissionRejected), errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// invocationError answers a refused or abandoned invocation
func (s *Server) invocationError(w http.ResponseWriter, r *http.Request, functionID int64, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Debug().Err(err).Int64("function_id", functionID).Msg("Caller left before the result was ready")
		return
	}

	if gateway.GuestLogin(err) {
		q := url.Values{"function": []string{fmt.Sprint(functionID)}}
		http.Redirect(w, r, s.opts.GuestLoginPath+"?"+q.Encode(), http.StatusTemporaryRedirect)
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Int64("function_id", functionID).Msg("Invocation failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	serveError(w, status, err.Error())
}
