package payload

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hookline/internal/source"
)

// KeyKind says how an idempotency key was obtained.
type KeyKind string

const (
	// KeyStable is a provider-assigned id that survives redelivery.
	KeyStable KeyKind = "stable"
	// KeySynthesized is a hash of correlating payload fields.
	KeySynthesized KeyKind = "synthesized"
	// KeyRandom is best-effort only; redeliveries will not dedupe.
	KeyRandom KeyKind = "random"
)

// Key is the idempotency key for one event.
type Key struct {
	ID   string
	Kind KeyKind
}

// SCM synthesized keys bucket the receive time to this granularity.
const coarseWindow = time.Minute

// IdempotencyKey derives the event id used for dedup and the ledger row.
// deliveryID is the provider's delivery header (x-github-delivery, svix-id),
// if any. now is only used for coarse-time bucketing.
func IdempotencyKey(ev *Event, deliveryID string, now time.Time) Key {
	deliveryID = strings.TrimSpace(deliveryID)

	switch v := ev.Variant.(type) {
	case *PaymentsEvent:
		return Key{ID: v.ID, Kind: KeyStable}
	case *SCMEvent:
		if deliveryID != "" {
			return Key{ID: prefixed(source.SCM, deliveryID), Kind: KeyStable}
		}
		anchor := firstScalar(ev.Body, []string{"repository", "id"}, []string{"organization", "id"})
		if anchor == "" {
			break
		}
		parts := []string{
			anchor,
			ev.Type,
			v.Action,
			scalar(ev.Body, "after"),
			firstScalar(ev.Body, []string{"number"}, []string{"issue", "number"}),
			firstScalar(ev.Body, []string{"head_commit", "id"}, []string{"pull_request", "updated_at"}),
			strconv.FormatInt(now.UTC().Truncate(coarseWindow).Unix(), 10),
		}
		return Key{ID: synthesize(source.SCM, parts...), Kind: KeySynthesized}
	case *IdentityEvent:
		if deliveryID != "" {
			return Key{ID: prefixed(source.Identity, deliveryID), Kind: KeyStable}
		}
		dataID := scalar(v.Data, "id")
		if dataID == "" {
			break
		}
		return Key{
			ID:   synthesize(source.Identity, v.Type, dataID, scalar(ev.Body, "timestamp")),
			Kind: KeySynthesized,
		}
	case *TestEvent:
		if v.ID != "" {
			return Key{ID: v.ID, Kind: KeyStable}
		}
	}

	return Key{ID: prefixed(ev.Source, uuid.NewString()), Kind: KeyRandom}
}

func prefixed(src source.Source, id string) string {
	return string(src) + "_" + id
}

// synthesize hashes parts with BLAKE3. Parts are length-prefixed so that
// ("ab","c") and ("a","bc") never collide.
func synthesize(src source.Source, parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s|", len(p), p)
	}
	sum := h.Sum(nil)
	return prefixed(src, hex.EncodeToString(sum[:16]))
}

func firstScalar(m map[string]any, paths ...[]string) string {
	for _, p := range paths {
		if s := scalar(m, p...); s != "" {
			return s
		}
	}
	return ""
}

// scalar walks path through nested objects and renders the leaf if it is a
// string, number or bool.
func scalar(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	switch v := cur.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
