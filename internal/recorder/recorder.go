package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fnrunner/internal/models"
	"fnrunner/internal/store"
	"fnrunner/internal/streamer"
)

// MaxStoredChars bounds every text field written to a trigger log
const MaxStoredChars = 10000

// TriggerLogResult is the JSON document stored in TriggerLog.Result
type TriggerLogResult struct {
	ExitCode int             `json:"exit_code"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Tooks    []models.Timing `json:"tooks"`
	Output   string          `json:"output"`
	Payload  string          `json:"payload"`
}

type Recorder struct {
	logs store.TriggerLogStore
	now  func() time.Time
}

func New(logs store.TriggerLogStore) *Recorder {
	return &Recorder{logs: logs, now: time.Now}
}

// Build completes a runner result with what the session captured. A block that cannot be parsed is kept
// as raw text with no envelope.
func (r *Recorder) Build(res *models.ExecutionResult, sess *streamer.Session) *models.ExecutionResult {
	if sess != nil {
		res.Output = sess.Logs()
		if raw, ok := sess.Raw(); ok {
			res.Raw = raw
			env, err := ParseEnvelope(raw)
			if err != nil {
				log.Warn().Err(err).Str("request_id", res.RequestID.String()).Msg("structured result ignored")
			} else {
				res.Envelope = env
			}
		}
	}

	if res.FinishedAt.IsZero() {
		res.FinishedAt = r.now()
	}
	if res.StartedAt.IsZero() {
		res.StartedAt = res.FinishedAt
	}
	res.Timings = models.WithTotal(res.Timings, res.StartedAt, res.FinishedAt)
	return res
}

// BuildStatic answers a serve-only function with its startup file as an html body
func (r *Recorder) BuildStatic(req *models.ExecutionRequest, content string) *models.ExecutionResult {
	start := r.now()
	body, _ := json.Marshal(content)
	res := &models.ExecutionResult{
		RequestID: req.ID,
		Status:    models.EsCompleted,
		Raw:       content,
		Envelope: &models.Envelope{
			Kind:    models.EnvelopeVersioned,
			Version: "v2",
			Code:    200,
			Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
			Body:    body,
		},
		StartedAt: start,
		Attempt:   req.Attempt,
	}
	res.FinishedAt = r.now()
	res.Timings = models.WithTotal(nil, res.StartedAt, res.FinishedAt)
	return res
}

// Observe persists one trigger log per trigger-origin result. Other origins are returned to the caller
// and never stored.
func (r *Recorder) Observe(ctx context.Context, req *models.ExecutionRequest, fn *models.Function, res *models.ExecutionResult) {
	if req.Origin != models.OriginTrigger || !req.TriggerID.Valid {
		return
	}

	result, err := json.Marshal(TriggerLogResult{
		ExitCode: res.ExitCode,
		Status:   string(res.Status),
		Error:    res.Error,
		Tooks:    res.Timings,
		Output:   Truncate(res.Raw, MaxStoredChars),
		Payload:  Truncate(req.Payload, MaxStoredChars),
	})
	if err != nil {
		log.Error().Err(err).Int64("trigger_id", req.TriggerID.Int64).Msg("could not encode trigger log result")
		return
	}

	logs := res.Output
	if res.Stderr != "" && res.Stderr != res.Output {
		logs += res.Stderr
	}

	entry := &models.TriggerLog{
		FunctionID: req.FunctionID,
		TriggerID:  req.TriggerID.Int64,
		Attempt:    req.Attempt,
		ExitCode:   res.ExitCode,
		Status:     string(res.Status),
		Logs:       Truncate(logs, MaxStoredChars),
		Result:     result,
	}
	if err := r.logs.CreateTriggerLog(ctx, entry); err != nil {
		log.Error().Err(err).
			Int64("trigger_id", req.TriggerID.Int64).
			Int("attempt", req.Attempt).
			Msg("could not record trigger log")
		return
	}

	log.Debug().
		Int64("trigger_id", entry.TriggerID).
		Int64("trigger_log_id", entry.ID).
		Str("status", entry.Status).
		Msg("trigger log recorded")
}

// Truncate cuts s to at most n characters
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Describe renders a short human summary of a result for command line output
func Describe(res *models.ExecutionResult) string {
	switch res.Status {
	case models.EsCompleted:
		return fmt.Sprintf("completed with exit code %d", res.ExitCode)
	case models.EsTimedOut:
		return fmt.Sprintf("timed out (%s)", res.Error)
	default:
		return fmt.Sprintf("%s with exit code %d", res.Status, res.ExitCode)
	}
}
