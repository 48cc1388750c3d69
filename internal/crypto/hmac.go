// Package crypto signs requests to the exchange gateway.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by every signed gateway request.
const (
	HeaderKey       = "X-PE-KEY"
	HeaderTimestamp = "X-PE-TIMESTAMP"
	HeaderSignature = "X-PE-SIGNATURE"
)

// HMACAuth holds the gateway API credentials.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers signs a request at the current time. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)) with the
// timestamp in Unix milliseconds.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is Headers with a caller-supplied timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by HeadersAt in constant time.
func (h *HMACAuth) Verify(method, path, body, ts, signature string) bool {
	want := Sign([]byte(h.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign computes HMAC-SHA256 of message and encodes it as standard base64.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
