package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fnrunner/internal/models"
)

// VersionKey is the discriminator of a versioned envelope
const VersionKey = "_shsf"

// ParseEnvelope turns the structured block into a tagged envelope. Objects carrying VersionKey are
// versioned; every other JSON value is legacy. Malformed input yields an error wrapping
// models.ErrResultParse.
func ParseEnvelope(raw string) (*models.Envelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &models.Envelope{Kind: models.EnvelopeNone}, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("%w: block is not valid JSON", models.ErrResultParse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		// not an object
		return &models.Envelope{Kind: models.EnvelopeLegacy, Body: json.RawMessage(raw)}, nil
	}
	version, ok := fields[VersionKey]
	if !ok {
		return &models.Envelope{Kind: models.EnvelopeLegacy, Body: json.RawMessage(raw)}, nil
	}

	env := &models.Envelope{
		Kind:    models.EnvelopeVersioned,
		Version: scalarString(version),
		Code:    http.StatusOK,
	}

	if code, ok := fields["_code"]; ok && !isNull(code) {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(code))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: _code must be a number", models.ErrResultParse)
		}
		c, err := n.Int64()
		if err != nil || c < 100 || c > 999 {
			return nil, fmt.Errorf("%w: invalid _code %s", models.ErrResultParse, n)
		}
		env.Code = int(c)
	}

	if loc, ok := fields["_location"]; ok && !isNull(loc) {
		env.Location = scalarString(loc)
	}

	if env.IsRedirect() {
		// nothing but the location applies to a redirect
		return env, nil
	}

	if hdrs, ok := fields["_headers"]; ok && !isNull(hdrs) {
		var values map[string]json.RawMessage
		if err := json.Unmarshal(hdrs, &values); err != nil {
			return nil, fmt.Errorf("%w: _headers must be an object", models.ErrResultParse)
		}
		env.Headers = make(map[string]string, len(values))
		for k, v := range values {
			env.Headers[k] = scalarString(v)
		}
	}

	if body, ok := fields["_res"]; ok {
		env.Body = body
	}

	return env, nil
}

// BodyBytes renders the envelope body for an http response. Strings are written verbatim, everything
// else as JSON. The second return value is the content type to use when none was set.
func BodyBytes(env *models.Envelope) ([]byte, string) {
	if env == nil || len(env.Body) == 0 || isNull(env.Body) {
		return nil, ""
	}

	var s string
	if err := json.Unmarshal(env.Body, &s); err == nil {
		return []byte(s), "text/plain; charset=utf-8"
	}
	return env.Body, "application/json"
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// scalarString returns JSON strings unquoted and any other value as its JSON text
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
