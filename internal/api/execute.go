package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/gateway"
	"fnrunner/internal/models"
	"fnrunner/internal/streamer"
)

// ExecuteRequest is the body of the Execute endpoint. Run becomes the payload body; its route and method
// fields, when present, select the function route.
type ExecuteRequest struct {
	Run json.RawMessage `json:"run,omitempty"`
}

// ExecuteResponse is the classic answer of the Execute endpoint
type ExecuteResponse struct {
	Output   string                 `json:"output"`
	ExitCode int                    `json:"exitCode"`
	Raw      string                 `json:"raw"`
	Status   models.ExecutionStatus `json:"status"`
}

// execute runs a function on behalf of its owner, streaming NDJSON records unless stream=false
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	functionID, err := functionIDParam(r)
	if err != nil {
		serveError(w, http.StatusBadRequest, "invalid function id")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		serveError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	var body ExecuteRequest
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			serveError(w, http.StatusBadRequest, "could not parse request body to payload")
			return
		}
	}

	identity, err := s.resolver.ResolveIdentity(r, functionID)
	if err != nil {
		s.invocationError(w, r, functionID, err)
		return
	}

	payload := executePayload(r, body.Run, raw)
	text, err := payload.String()
	if err != nil {
		serveError(w, http.StatusInternalServerError, "could not encode payload")
		return
	}

	stream := r.URL.Query().Get("stream") != "false"
	resp, err := s.gateway.Invoke(r.Context(), gateway.Invocation{
		FunctionID: functionID,
		Payload:    text,
		Origin:     models.OriginCLI,
		Stream:     stream,
		Identity:   identity,
	})
	if err != nil {
		s.invocationError(w, r, functionID, err)
		return
	}

	if stream {
		streamRecords(w, r, resp.Stream)
		return
	}

	res := resp.Result
	if res.Status == models.EsUnavailable {
		serveError(w, http.StatusInternalServerError, models.ErrSandboxUnavailable.Error())
		return
	}
	serveJson(w, http.StatusOK, ExecuteResponse{
		Output:   res.Output,
		ExitCode: res.ExitCode,
		Raw:      res.Raw,
		Status:   res.Status,
	})
}

func executePayload(r *http.Request, run json.RawMessage, raw []byte) *Payload {
	var sel struct {
		Route  string `json:"route"`
		Method string `json:"method"`
	}
	// run may be any JSON value, only objects select a route
	_ = json.Unmarshal(run, &sel)
	if sel.Method == "" {
		sel.Method = http.MethodPost
	}

	p := newPayload(r, "user", sel.Route, sel.Method)
	rawText := string(raw)
	p.RawBody = &rawText
	if len(run) > 0 {
		p.Body = run
	}
	return p
}

// streamRecords writes one JSON record per line until the terminal record, flushing after each
func streamRecords(w http.ResponseWriter, r *http.Request, sub *streamer.Subscription) {
	defer sub.Detach()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for {
		rec, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if err := enc.Encode(rec); err != nil {
			log.Debug().Err(err).Msg("Stream client went away")
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Debug().Err(err).Msg("Could not flush stream")
			return
		}
		if rec.Terminal() {
			return
		}
	}
}
