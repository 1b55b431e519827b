package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Operations reported by the portal for user lifecycle events
const (
	OperationAdd    = "add"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// SignatureHeader carries the HMAC of the raw request body
const SignatureHeader = "X-Signature"

// Event is one entry of a portal webhook payload
type Event struct {
	ID         string          `json:"id,omitempty"`
	Operation  string          `json:"operation"`
	Source     string          `json:"source"`
	Username   string          `json:"username,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	When       int64           `json:"when,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Payload is the body the portal posts to the webhook receiver
type Payload struct {
	Info       json.RawMessage `json:"info,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Events     []Event         `json:"events"`
}

// IsUserEvent reports whether the event concerns a portal user. The portal
// uses both "user" and "users" as the source.
func (e Event) IsUserEvent() bool {
	s := strings.ToLower(e.Source)
	return s == "user" || s == "users"
}

// Subject returns the username the event is about. Deletions identify the
// user through the event id.
func (e Event) Subject() string {
	if e.Operation == OperationDelete && e.ID != "" {
		return e.ID
	}
	if e.Username != "" {
		return e.Username
	}
	return e.ID
}

// Digest identifies an event for deduplication. Identical redeliveries share
// a digest.
func (e Event) Digest() string {
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time
func VerifySignature(body []byte, signature, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
