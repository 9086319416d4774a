package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum accepted timestamp age during
// verification. Older deliveries are treated as replays.
const DefaultTolerance = 300 * time.Second

const signaturePrefix = "sha256="

// Sign computes the delivery signature header value for the exact body
// bytes that will be transmitted: sha256= followed by the hex HMAC-SHA256
// of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	return signaturePrefix + hmacHex(secret, timestamp, body)
}

// Verify checks a received delivery against the shared secret. body must be
// the raw request bytes exactly as received; re-serialized JSON will not
// match. A non-positive tolerance selects DefaultTolerance.
func Verify(header http.Header, body []byte, secret string, tolerance time.Duration) error {
	sig := header.Get(SignatureHeader)
	ts := header.Get(TimestampHeader)
	if sig == "" || ts == "" {
		return fmt.Errorf("webhook: missing signature or timestamp header")
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return fmt.Errorf("webhook: malformed signature header")
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("webhook: malformed timestamp header")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := time.Since(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return fmt.Errorf("webhook: timestamp outside tolerance")
	}

	want := hmacHex(secret, ts, body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}

func hmacHex(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
