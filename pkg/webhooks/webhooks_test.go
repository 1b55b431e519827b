package webhooks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadDecoding(t *testing.T) {
	body := `{
		"info": {"webhookName": "users", "portalURL": "https://maps.example.gov/portal"},
		"events": [
			{"id": "jdoe_usda", "operation": "add", "source": "users", "username": "jdoe_usda", "when": 1700000000000},
			{"id": "old_user", "operation": "delete", "source": "user", "when": 1700000000001}
		]
	}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	require.Len(t, p.Events, 2)

	assert.True(t, p.Events[0].IsUserEvent())
	assert.Equal(t, "jdoe_usda", p.Events[0].Subject())
	assert.True(t, p.Events[1].IsUserEvent())
	assert.Equal(t, "old_user", p.Events[1].Subject())
}

func TestEvent_Subject(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"add uses username", Event{ID: "evt-1", Operation: OperationAdd, Username: "alice"}, "alice"},
		{"delete uses id", Event{ID: "bob", Operation: OperationDelete, Username: "ignored"}, "bob"},
		{"delete without id", Event{Operation: OperationDelete, Username: "carol"}, "carol"},
		{"update without username", Event{ID: "dave", Operation: OperationUpdate}, "dave"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Subject())
		})
	}
}

func TestEvent_IsUserEvent(t *testing.T) {
	assert.True(t, Event{Source: "user"}.IsUserEvent())
	assert.True(t, Event{Source: "Users"}.IsUserEvent())
	assert.False(t, Event{Source: "item"}.IsUserEvent())
}

func TestEvent_Digest(t *testing.T) {
	a := Event{ID: "x", Operation: OperationAdd, Source: "users", Username: "x", When: 1}
	b := a
	assert.Equal(t, a.Digest(), b.Digest())

	b.When = 2
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	sig := Sign(body, "secret")

	assert.True(t, VerifySignature(body, sig, "secret"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature([]byte(`{"events":[{}]}`), sig, "secret"))
	assert.False(t, VerifySignature(body, "", "secret"))
}

func TestRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})

	assert.True(t, p.ShouldRetry(1, assert.AnError))
	assert.True(t, p.ShouldRetry(4, assert.AnError))
	assert.False(t, p.ShouldRetry(5, assert.AnError))
	assert.False(t, p.ShouldRetry(1, nil))

	assert.Equal(t, DefaultRetryConfig().InitialDelay, p.NextRetryDelay(1))
	assert.Equal(t, 2*DefaultRetryConfig().InitialDelay, p.NextRetryDelay(2))
	assert.Equal(t, DefaultRetryConfig().MaxDelay, p.NextRetryDelay(30))
}
