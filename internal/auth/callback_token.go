package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrMissingCallbackSecret is returned when no signing secret is configured
var ErrMissingCallbackSecret = errors.New("callback signing secret is required")

// CallbackSigner derives callback tokens from execution ids.
// A token is HMAC-SHA256(secret, executionID), hex encoded, so the
// callback endpoint can authenticate without a second lookup table.
type CallbackSigner struct {
	secret []byte
}

// NewCallbackSigner creates a signer for the given server secret
func NewCallbackSigner(secret string) (*CallbackSigner, error) {
	if secret == "" {
		return nil, ErrMissingCallbackSecret
	}
	return &CallbackSigner{secret: []byte(secret)}, nil
}

// Sign returns the callback token for executionID
func (s *CallbackSigner) Sign(executionID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(executionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for executionID
func (s *CallbackSigner) Verify(executionID, token string) bool {
	if executionID == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(executionID)), []byte(token))
}
