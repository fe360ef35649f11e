package execution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer produces the request signatures the execution venue requires:
// HMAC-SHA256 over the urlencoded parameter string, keyed with the raw API
// secret, hex encoded. The API key itself travels in a request header and
// never enters the signature.
type Signer struct {
	apiKey string
	secret []byte
}

// NewSigner keeps the credentials for signing. The secret is used as raw
// bytes, not base64 decoded.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(secret)}
}

// APIKey returns the key to place in the auth header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign returns the hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery stamps params with the millisecond timestamp, signs the
// encoded string, and returns it with the signature appended. The venue
// verifies the signature against the submitted string byte for byte, so the
// signature must be computed on exactly the encoding sent.
func (s *Signer) SignedQuery(params url.Values, ts time.Time) string {
	params.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	encoded := params.Encode()
	return encoded + "&signature=" + s.Sign(encoded)
}
