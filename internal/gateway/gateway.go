package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fnrunner/internal/auth"
	"fnrunner/internal/config"
	"fnrunner/internal/metrics"
	"fnrunner/internal/models"
	"fnrunner/internal/scheduler"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

// Submitter admits execution requests and hands back a handle to follow them
type Submitter interface {
	Submit(ctx context.Context, req *models.ExecutionRequest) (*scheduler.Handle, error)
}

// Invocation is a request to run a function from outside the engine
type Invocation struct {
	FunctionID   int64
	Payload      string
	Origin       models.Origin // http or cli
	Stream       bool
	Identity     models.Identity
	SecureHeader string
}

// Response carries either a live stream or the terminal result of an invocation
type Response struct {
	Request  *models.ExecutionRequest
	Function *models.Function
	Handle   *scheduler.Handle

	Stream *streamer.Subscription // set for streaming invocations
	Result *models.ExecutionResult
}

// DeniedError is returned when authorization fails. It matches models.ErrAuthDenied.
type DeniedError struct {
	FunctionID int64
	Decision   auth.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("function %d: %s", e.FunctionID, e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error {
	return models.ErrAuthDenied
}

// Gateway validates invocations before anything reaches the scheduler
type Gateway struct {
	functions store.FunctionSource
	submitter Submitter
	limiter   *rateLimiter
	metrics   *metrics.Collector
}

// New creates a gateway. ratePerSecond <= 0 disables rate limiting.
func New(functions store.FunctionSource, submitter Submitter, ratePerSecond float64, burst int, mc *metrics.Collector) *Gateway {
	g := &Gateway{functions: functions, submitter: submitter, metrics: mc}
	if ratePerSecond > 0 {
		g.limiter = newRateLimiter(rate.Limit(ratePerSecond), burst)
	}
	return g
}

func FromConfig(functions store.FunctionSource, submitter Submitter, conf *config.Config, mc *metrics.Collector) *Gateway {
	return New(functions, submitter, conf.Server.RateLimit, conf.Server.RateBurst, mc)
}

// Function loads the definition of functionID
func (g *Gateway) Function(ctx context.Context, functionID int64) (*models.Function, error) {
	return g.functions.GetFunctionByID(ctx, functionID)
}

// Invoke checks that the function exists, may be called from the invocation's origin by its identity and
// is under its rate limit, then submits it. Streaming invocations return as soon as the request was
// admitted. Classic invocations wait for the result; when ctx ends first the caller is detached.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (*Response, error) {
	if inv.Origin != models.OriginHTTP && inv.Origin != models.OriginCLI {
		return nil, fmt.Errorf("invalid invocation origin %q", inv.Origin)
	}

	fn, err := g.functions.GetFunctionByID(ctx, inv.FunctionID)
	if err != nil {
		return nil, err
	}

	if err := g.admit(fn, inv); err != nil {
		log.Debug().
			Err(err).
			Int64("function_id", fn.ID).
			Str("origin", string(inv.Origin)).
			Msg("Invocation refused")
		return nil, err
	}

	req := models.NewExecutionRequest(fn.ID, inv.Origin, inv.Payload)
	req.Identity = inv.Identity
	req.Function = fn

	h, err := g.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{Request: req, Function: fn, Handle: h}
	sub := h.Subscribe()
	if inv.Stream {
		resp.Stream = sub
		return resp, nil
	}

	defer sub.Detach()

	res, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	resp.Result = res
	return resp, nil
}

func (g *Gateway) admit(fn *models.Function, inv Invocation) error {
	if inv.Origin == models.OriginHTTP && !fn.AllowHTTP {
		return fmt.Errorf("function %d: %w", fn.ID, models.ErrNotAllowed)
	}

	if d := auth.Authorize(inv.Identity, fn, inv.Origin, inv.SecureHeader); !d.Allowed {
		return &DeniedError{FunctionID: fn.ID, Decision: d}
	}

	if inv.Origin == models.OriginHTTP && !g.limiter.Allow(fn.ID) {
		g.metrics.RecordRateLimited()
		return fmt.Errorf("function %d: %w", fn.ID, models.ErrRateLimited)
	}
	return nil
}

// GuestLogin reports whether err asks the caller to sign in as a guest
func GuestLogin(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied) && denied.Decision.GuestLogin
}
