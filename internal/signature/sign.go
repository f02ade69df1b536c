package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/mattjoyce/hookline/internal/source"
)

// Sign produces the header value a provider would send for body. at is only
// used by the payments scheme. It exists for tests and local tooling that
// replay captured deliveries.
func Sign(src source.Source, body []byte, secret string, at time.Time) (string, error) {
	switch src {
	case source.Payments:
		ts := strconv.FormatInt(at.Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil)), nil
	case source.SCM, source.Test:
		return "sha256=" + computeHex(body, secret), nil
	case source.Identity:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, src)
	}
}

// computeHex returns the hex HMAC-SHA256 of body.
func computeHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
