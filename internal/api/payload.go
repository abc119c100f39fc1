package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

const defaultRoute = "default"

// Payload is the JSON document handed to a function invoked over HTTP
type Payload struct {
	RanBy    string            `json:"ran_by"`
	Headers  map[string]string `json:"headers"`
	Queries  map[string]string `json:"queries"`
	Body     any               `json:"body,omitempty"`
	RawBody  *string           `json:"raw_body,omitempty"`
	SourceIP string            `json:"source_ip"`
	Route    string            `json:"route"`
	Method   string            `json:"method"`
}

func newPayload(r *http.Request, ranBy, route, method string) *Payload {
	if route == "" {
		route = defaultRoute
	}

	p := &Payload{
		RanBy:    ranBy,
		Headers:  make(map[string]string, len(r.Header)),
		Queries:  make(map[string]string),
		SourceIP: sourceIP(r),
		Route:    route,
		Method:   method,
	}
	for k, v := range r.Header {
		p.Headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	for k, v := range r.URL.Query() {
		p.Queries[k] = strings.Join(v, ",")
	}
	return p
}

// setBody keeps the raw body and decodes it when it is valid JSON
func (p *Payload) setBody(raw []byte) {
	text := string(raw)
	p.RawBody = &text

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		p.Body = json.RawMessage(trimmed)
	} else {
		p.Body = text
	}
}

func (p *Payload) String() (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
