package models

import (
	"encoding/json"
	"net/http"
)

type EnvelopeKind int

const (
	// EnvelopeNone means no structured block was emitted
	EnvelopeNone EnvelopeKind = iota
	// EnvelopeLegacy is any JSON value without the version discriminator
	EnvelopeLegacy
	// EnvelopeVersioned carries a response code, headers and a body or redirect location
	EnvelopeVersioned
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeLegacy:
		return "legacy"
	case EnvelopeVersioned:
		return "versioned"
	default:
		return "none"
	}
}

func (k EnvelopeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Envelope is the tagged structured result a function emitted
type Envelope struct {
	Kind     EnvelopeKind      `json:"kind"`
	Version  string            `json:"version,omitempty"`
	Code     int               `json:"code,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"` // the legacy value or the versioned `_res`
	Location string            `json:"location,omitempty"`
}

// IsRedirect is true for versioned envelopes with a 301 or 302 code
func (e *Envelope) IsRedirect() bool {
	if e == nil || e.Kind != EnvelopeVersioned {
		return false
	}
	return e.Code == http.StatusMovedPermanently || e.Code == http.StatusFound
}

// RedirectLocation defaults to the site root when no location was given
func (e *Envelope) RedirectLocation() string {
	if e.Location == "" {
		return "/"
	}
	return e.Location
}
