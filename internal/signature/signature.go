// Package signature authenticates raw webhook bodies against provider-specific
// HMAC-SHA256 signature headers.
//
// # Schemes
//
//   - payments: "t=<unix>,v1=<hex>" over "<t>.<body>", timestamp within Tolerance
//   - scm:      "sha256=<hex>" over the body
//   - identity: "v1,<base64>" (or "v1=<base64>") over the body, several space-separated entries allowed
//   - test:     "sha256=<hex>" or plain hex over the body
//
// Every digest comparison goes through crypto/subtle. Missing headers, missing
// secrets, malformed headers and mismatched digests all fail closed with a
// distinct sentinel error so callers can log the reason without leaking it.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/hookline/internal/source"
)

// DefaultTolerance bounds how far a payments timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature        = errors.New("signature header missing")
	ErrMissingSecret           = errors.New("webhook secret not configured")
	ErrMalformedSignature      = errors.New("signature header malformed")
	ErrSignatureMismatch       = errors.New("signature mismatch")
	ErrTimestampOutOfTolerance = errors.New("signature timestamp outside tolerance")
	ErrUnsupportedSource       = errors.New("no signature scheme for source")
)

// Verifier checks signatures. The zero value uses DefaultTolerance and time.Now.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify returns nil when header is a valid signature of body under secret
// for the given source.
func (v Verifier) Verify(src source.Source, body []byte, header, secret string) error {
	if header == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrMissingSecret
	}

	switch src {
	case source.Payments:
		return v.verifyPayments(body, header, secret)
	case source.SCM:
		return verifyHex(body, header, secret, true)
	case source.Identity:
		return verifyIdentity(body, header, secret)
	case source.Test:
		return verifyHex(body, header, secret, false)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSource, src)
	}
}

func (v Verifier) verifyPayments(body []byte, header, secret string) error {
	ts, sigs, err := parsePaymentsHeader(header)
	if err != nil {
		return err
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	drift := now().Sub(time.Unix(ts, 0))
	if drift > tolerance || drift < -tolerance {
		return ErrTimestampOutOfTolerance
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		if secureCompare(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// parsePaymentsHeader splits "t=...,v1=...,v1=..." into the timestamp and
// every decoded v1 digest. Unknown keys (v0, etc.) are ignored.
func parsePaymentsHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedSignature
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedSignature
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return 0, nil, ErrMalformedSignature
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, ErrMalformedSignature
	}
	return ts, sigs, nil
}

// verifyHex handles "sha256=<hex>" and, unless requirePrefix, plain hex.
func verifyHex(body []byte, header, secret string, requirePrefix bool) error {
	hexSig, hasPrefix := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if requirePrefix && !hasPrefix {
		return ErrMalformedSignature
	}
	actual, err := hex.DecodeString(hexSig)
	if err != nil || len(actual) == 0 {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !secureCompare(mac.Sum(nil), actual) {
		return ErrSignatureMismatch
	}
	return nil
}

func verifyIdentity(body []byte, header, secret string) error {
	sigs := parseIdentityHeader(header)
	if len(sigs) == 0 {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := []byte(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	for _, sig := range sigs {
		if secureCompare(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// parseIdentityHeader extracts every v1 signature from either the
// space-separated "v1,<sig> v1,<sig>" form or a "k=v,k=v" list.
func parseIdentityHeader(header string) []string {
	var sigs []string
	for _, field := range strings.Fields(header) {
		if sig, ok := strings.CutPrefix(field, "v1,"); ok {
			if sig != "" {
				sigs = append(sigs, sig)
			}
			continue
		}
		for _, part := range strings.Split(field, ",") {
			key, value, ok := strings.Cut(part, "=")
			if ok && key == "v1" && value != "" {
				sigs = append(sigs, value)
			}
		}
	}
	return sigs
}

// secureCompare reports whether a and b are equal without leaking where they
// differ. Lengths are compared first; length is not secret.
func secureCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
