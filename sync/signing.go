package sync

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultTimeWindow is TIME_WINDOW_S (spec.md §4.7): the maximum
// clock-skew tolerated between the signed timestamp and the verifier's
// clock before a request is rejected.
const DefaultTimeWindow = 300 * time.Second

const signaturePrefix = "v1:"

// CanonicalRequest builds the exact byte sequence that gets signed:
// METHOD\nPATH_AND_QUERY\nTIMESTAMP\nNONCE\nsha256(body).hex
func CanonicalRequest(method, pathAndQuery string, timestamp int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s\n%s", method, pathAndQuery, timestamp, nonce, hex.EncodeToString(sum[:])))
}

// NewNonce generates a random 128-bit hex nonce for X-Opencode-Nonce.
func NewNonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SignRequest signs method+pathAndQuery+body with id's device key at the
// given timestamp/nonce, returning the "v1:<base64>" signature header
// value.
func SignRequest(id *Identity, method, pathAndQuery string, timestamp int64, nonce string, body []byte) string {
	canonical := CanonicalRequest(method, pathAndQuery, timestamp, nonce, body)
	sig := id.Sign(canonical)
	return signaturePrefix + base64.StdEncoding.EncodeToString(sig)
}

// VerifySignature verifies a "v1:<base64>" signature header against the
// canonical request built from its parts, using peerPublicKey.
func VerifySignature(peerPublicKey ed25519.PublicKey, method, pathAndQuery string, timestamp int64, nonce string, body []byte, signatureHeader string) bool {
	if len(signatureHeader) <= len(signaturePrefix) || signatureHeader[:len(signaturePrefix)] != signaturePrefix {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureHeader[len(signaturePrefix):])
	if err != nil {
		return false
	}
	canonical := CanonicalRequest(method, pathAndQuery, timestamp, nonce, body)
	return ed25519.Verify(peerPublicKey, canonical, sig)
}

// WithinTimeWindow reports whether |now-timestamp| <= window.
func WithinTimeWindow(now time.Time, timestamp int64, window time.Duration) bool {
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	return time.Duration(skew)*time.Second <= window
}

func parseTimestampHeader(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
