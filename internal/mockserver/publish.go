package mockserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LuminPulse-AI/tradesync"
)

// SignatureHeader carries the HMAC-SHA256 signature of a publish request.
const SignatureHeader = "X-Tradesync-Signature"

const maxPublishBody = 1 << 20

// Sign returns the "sha256=<hex>" signature of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature of body. The "sha256="
// prefix is optional. Comparison is constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(Sign(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseEnvelope decodes a published body and validates its payload against
// the event type. A missing timestamp is set to now.
func ParseEnvelope(body []byte) (tradesync.Envelope, error) {
	var env tradesync.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("invalid JSON in publish body: %w", err)
	}
	if env.Type == "" {
		return env, errors.New("missing type field")
	}
	if env.Type != tradesync.EventHeartbeat {
		if _, err := tradesync.DecodeEvent(env); err != nil {
			return env, err
		}
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return env, nil
}

// Publisher is the signed HTTP entry point for pushing events to every
// connected socket.
type Publisher struct {
	hub    *Hub
	secret string
}

// NewPublisher returns a publisher. An empty secret disables signature
// checks.
func NewPublisher(hub *Hub, secret string) *Publisher {
	return &Publisher{hub: hub, secret: secret}
}

// Handle verifies, parses and broadcasts body. It returns the status code and
// the response body for the caller to write.
func (p *Publisher) Handle(body []byte, signature string) (int, any) {
	if p.secret != "" && !VerifySignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	env, err := ParseEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	n := p.hub.Broadcast(env)
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

// ServeHTTP implements http.Handler.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := p.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(w, status, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
