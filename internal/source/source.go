// Package source enumerates the webhook providers hookline accepts and the
// HTTP headers each one uses to carry its signature, event type and delivery id.
package source

import (
	"errors"
	"fmt"
	"strings"
)

// Source identifies a webhook provider.
type Source string

const (
	Payments Source = "payments"
	SCM      Source = "scm"
	Identity Source = "identity"
	Test     Source = "test"
)

// ErrUnknownSource is returned by Parse for names outside All.
var ErrUnknownSource = errors.New("unknown webhook source")

// All lists every supported source in a stable order.
var All = []Source{Payments, SCM, Identity, Test}

// Headers names the request headers a source consumes. Empty fields mean the
// provider does not send that header.
type Headers struct {
	Signature string
	EventType string
	Delivery  string
}

var headers = map[Source]Headers{
	Payments: {Signature: "Stripe-Signature"},
	SCM:      {Signature: "X-Hub-Signature-256", EventType: "X-GitHub-Event", Delivery: "X-GitHub-Delivery"},
	Identity: {Signature: "Svix-Signature", Delivery: "Svix-Id"},
	Test:     {Signature: "X-Test-Signature", EventType: "X-Test-Event"},
}

// Parse converts a case-insensitive name into a Source.
func Parse(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := headers[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return s, nil
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	_, ok := headers[s]
	return ok
}

// Headers returns the header table entry for s.
func (s Source) Headers() Headers {
	return headers[s]
}

func (s Source) String() string { return string(s) }
