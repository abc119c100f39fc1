package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"fnrunner/internal/gateway"
	"fnrunner/internal/models"
	"fnrunner/internal/recorder"
)

// NoResult is the body of a successful call whose function emitted no structured result
const NoResult = "No Function Result :("

const (
	ExitCodeHeader = "X-Fn-Exit-Code"
	StatusHeader   = "X-Fn-Status"
)

// functionCORS applies the CORS origins configured on the called function
func (s *Server) functionCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		functionID, err := functionIDParam(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		fn, err := s.gateway.Function(r.Context(), functionID)
		if err != nil || len(fn.Origins()) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		cors.Handler(cors.Options{
			AllowedOrigins:   fn.Origins(),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		})(next).ServeHTTP(w, r)
	})
}

// exec runs a function for a public HTTP call and renders its structured result
func (s *Server) exec(w http.ResponseWriter, r *http.Request) {
	functionID, err := functionIDParam(r)
	if err != nil {
		serveError(w, http.StatusBadRequest, "invalid function id")
		return
	}

	identity, err := s.resolver.ResolveIdentity(r, functionID)
	if err != nil {
		s.invocationError(w, r, functionID, err)
		return
	}

	payload := newPayload(r, "exec", chi.URLParam(r, "*"), r.Method)
	if r.Method == http.MethodPost {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				serveError(w, http.StatusRequestEntityTooLarge, "request body is too large")
				return
			}
			serveError(w, http.StatusBadRequest, "could not read request body")
			return
		}
		payload.setBody(raw)
	}

	text, err := payload.String()
	if err != nil {
		serveError(w, http.StatusInternalServerError, "could not encode payload")
		return
	}

	resp, err := s.gateway.Invoke(r.Context(), gateway.Invocation{
		FunctionID:   functionID,
		Payload:      text,
		Origin:       models.OriginHTTP,
		Identity:     identity,
		SecureHeader: r.Header.Get(s.opts.SecureHeader),
	})
	if err != nil {
		s.invocationError(w, r, functionID, err)
		return
	}

	renderResult(w, r, resp.Result)
}

// renderResult writes the envelope a function emitted as the HTTP response. Redirects only use the code,
// headers and location. Everything else is written with the envelope's code, headers and body.
func renderResult(w http.ResponseWriter, r *http.Request, res *models.ExecutionResult) {
	w.Header().Set(ExitCodeHeader, strconv.Itoa(res.ExitCode))
	w.Header().Set(StatusHeader, string(res.Status))

	if res.Status == models.EsUnavailable {
		log.Error().Err(res.Err()).Str("request_id", res.RequestID.String()).Msg("Could not run function")
		serveError(w, http.StatusInternalServerError, models.ErrSandboxUnavailable.Error())
		return
	}

	env := res.Envelope
	if env.IsRedirect() {
		for k, v := range env.Headers {
			w.Header().Set(k, v)
		}
		http.Redirect(w, r, env.RedirectLocation(), env.Code)
		return
	}

	code := http.StatusOK
	if env != nil && env.Kind == models.EnvelopeVersioned && env.Code >= 100 && env.Code <= 599 {
		code = env.Code
	}

	body, contentType := recorder.BodyBytes(env)
	if body == nil {
		body, contentType = []byte(NoResult), "text/plain; charset=utf-8"
	}

	w.Header().Set("Content-Type", contentType)
	if env != nil {
		for k, v := range env.Headers {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Could not write function result")
	}
}
