// Package auth signs and validates keeper HTTP traffic with an HMAC shared
// secret, so the monitor only accepts reports from registered nodes and the
// diagnostic endpoints only answer the operator tooling that owns the
// secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// HeaderTimestamp carries the request signing time.
	HeaderTimestamp = "X-Keeper-Timestamp"
	// HeaderSignature carries the HMAC-SHA256 signature.
	HeaderSignature = "X-Keeper-Signature"
	// MaxClockSkew is the widest timestamp difference still accepted.
	MaxClockSkew = 30 * time.Second
)

// Authenticator signs outgoing requests and validates incoming ones. An
// empty shared secret disables authentication entirely. One instance is
// shared by the monitor client and the diagnostic server so a reloaded
// secret takes effect everywhere at once.
type Authenticator struct {
	mu           sync.RWMutex
	sharedSecret string
}

func New(sharedSecret string) *Authenticator {
	return &Authenticator{sharedSecret: sharedSecret}
}

// SetSecret swaps the shared secret when a configuration reload rotates it.
func (a *Authenticator) SetSecret(sharedSecret string) {
	a.mu.Lock()
	a.sharedSecret = sharedSecret
	a.mu.Unlock()
}

func (a *Authenticator) secret() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sharedSecret
}

// SignRequest adds the timestamp and signature headers to req.
func (a *Authenticator) SignRequest(req *http.Request) {
	if a.secret() == "" {
		return
	}

	timestamp := time.Now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, a.signature(req.Method, req.URL.Path, timestamp))
}

// ValidateRequest checks the signature headers on req.
func (a *Authenticator) ValidateRequest(req *http.Request) error {
	if a.secret() == "" {
		return nil
	}

	timestampStr := req.Header.Get(HeaderTimestamp)
	if timestampStr == "" {
		return fmt.Errorf("missing %s header", HeaderTimestamp)
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	skew := time.Now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed window (skew: %ds)", skew)
	}

	expected := a.signature(req.Method, req.URL.Path, timestamp)
	actual := req.Header.Get(HeaderSignature)

	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// Middleware wraps an HTTP handler with request validation.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			http.Error(w, fmt.Sprintf("Authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *Authenticator) signature(method, path string, timestamp int64) string {
	message := fmt.Sprintf("%s:%s:%d", method, path, timestamp)
	mac := hmac.New(sha256.New, []byte(a.secret()))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
