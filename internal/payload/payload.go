// Package payload turns verified webhook bytes into a shape-checked Event.
//
// Each source has its own variant type; callers switch on Event.Variant to
// reach provider fields. The generic decoded body (numbers kept as
// json.Number) is carried alongside for sanitization and handlers.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/hookline/internal/source"
)

// MaxBodyBytes is the hard ceiling on webhook bodies (1 MiB).
const MaxBodyBytes = 1 << 20

// UnknownEventType is used when a provider gives no event name.
const UnknownEventType = "unknown"

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrInvalidShape    = errors.New("invalid payload shape")
)

var validate = validator.New()

// Event is a parsed webhook body. ID is empty until the orchestrator has
// derived the idempotency key.
type Event struct {
	ID      string
	Source  source.Source
	Type    string
	Body    map[string]any
	Variant Variant
}

// Variant is implemented by exactly one struct per source.
type Variant interface {
	kind() source.Source
}

// PaymentsEvent is the validated envelope of a payments (Stripe-style) event.
type PaymentsEvent struct {
	ID     string         `json:"id" validate:"required"`
	Object string         `json:"object" validate:"eq=event"`
	Type   string         `json:"type" validate:"required"`
	Data   map[string]any `json:"data" validate:"required"`
}

// SCMEvent is a source-control (GitHub-style) event. Only the fields checked
// for the concrete event type are populated.
type SCMEvent struct {
	Sender       map[string]any `json:"sender" validate:"required"`
	Repository   map[string]any `json:"repository" validate:"required_without=Organization"`
	Organization map[string]any `json:"organization" validate:"required_without=Repository"`
	Action       string         `json:"action"`
}

// IdentityEvent is an identity-provider (Clerk/Svix-style) event.
type IdentityEvent struct {
	Object string         `json:"object" validate:"eq=event"`
	Type   string         `json:"type" validate:"required"`
	Data   map[string]any `json:"data" validate:"required"`
}

// TestEvent carries no provider schema beyond "is a JSON object".
type TestEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (*PaymentsEvent) kind() source.Source { return source.Payments }
func (*SCMEvent) kind() source.Source      { return source.SCM }
func (*IdentityEvent) kind() source.Source { return source.Identity }
func (*TestEvent) kind() source.Source     { return source.Test }

type scmPush struct {
	Ref *string `json:"ref" validate:"required"`
}

type scmPullRequest struct {
	PullRequest map[string]any `json:"pull_request" validate:"required"`
	Number      *float64       `json:"number" validate:"required"`
}

type scmIssue struct {
	Issue *struct {
		Number *float64 `json:"number" validate:"required"`
	} `json:"issue" validate:"required"`
}

// CheckSize rejects bodies over MaxBodyBytes without looking at their content.
func CheckSize(body []byte) error {
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(body), MaxBodyBytes)
	}
	return nil
}

// Parse validates body for src. eventTypeHint is the provider's event-type
// header, if it sends one.
func Parse(body []byte, src source.Source, eventTypeHint string) (*Event, error) {
	if err := CheckSize(body); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidJSON)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidJSON)
	}

	generic, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	ev := &Event{Source: src, Body: generic}
	hint := strings.TrimSpace(eventTypeHint)

	switch src {
	case source.Payments:
		var p PaymentsEvent
		if err := decodeShape(body, &p); err != nil {
			return nil, err
		}
		ev.Type, ev.Variant = p.Type, &p
	case source.SCM:
		var s SCMEvent
		if err := decodeShape(body, &s); err != nil {
			return nil, err
		}
		if err := checkSCMSubtype(body, hint); err != nil {
			return nil, err
		}
		ev.Type, ev.Variant = hint, &s
	case source.Identity:
		var i IdentityEvent
		if err := decodeShape(body, &i); err != nil {
			return nil, err
		}
		ev.Type, ev.Variant = i.Type, &i
	case source.Test:
		var te TestEvent
		// A non-string id or type is tolerated for the test source.
		_ = json.Unmarshal(body, &te)
		ev.Type = te.Type
		if hint != "" {
			ev.Type = hint
		}
		ev.Variant = &te
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrInvalidShape, src)
	}

	if ev.Type == "" {
		ev.Type = UnknownEventType
	}
	return ev, nil
}

// checkSCMSubtype applies per-event-type requirements. Unknown types pass.
func checkSCMSubtype(body []byte, eventType string) error {
	switch eventType {
	case "push":
		return decodeShape(body, &scmPush{})
	case "pull_request":
		return decodeShape(body, &scmPullRequest{})
	case "issues", "issue_comment":
		return decodeShape(body, &scmIssue{})
	default:
		return nil
	}
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value must be an object", ErrInvalidShape)
	}
	return obj, nil
}

// decodeShape unmarshals into a typed struct and runs its validate tags. Type
// mismatches (a string where an object is required) are shape errors too.
func decodeShape(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %q must not be %s", ErrInvalidShape, typeErr.Field, typeErr.Value)
		}
		return fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidShape, describe(err))
	}
	return nil
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
