package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestEnvelope(t *testing.T) {
	env := NewRequestEnvelope()

	_, err := uuid.Parse(env.CorrelationID)
	assert.NoError(t, err, "correlation IDs must be UUIDs")
	assert.WithinDuration(t, time.Now().UTC(), env.RequestedAt, time.Second)

	// Fresh envelopes never collide.
	assert.NotEqual(t, env.CorrelationID, NewRequestEnvelope().CorrelationID)
}

func TestRequestWireShape(t *testing.T) {
	req := &UserQueryRequest{UserID: "user-1"}
	req.Stamp(RequestEnvelope{
		CorrelationID: "abc-123",
		RequestedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "abc-123", wire["correlationId"])
	assert.Equal(t, "user-1", wire["userId"])
	assert.Equal(t, "2025-03-01T12:00:00Z", wire["requestedAt"])
}

func TestResponseRoundTrip(t *testing.T) {
	resp := UserQueryResponse{
		ResponseEnvelope: ResponseEnvelope{
			CorrelationID: "corr-xyz",
			Success:       true,
			RespondedAt:   time.Now().UTC().Truncate(time.Second),
		},
		User: &UserPayload{ID: "u1", Email: "a@b.edu", Role: "student"},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded UserQueryResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, resp, decoded)
}

func TestPeekCorrelationID(t *testing.T) {
	id, err := PeekCorrelationID([]byte(`{"correlationId":"peek-1","success":false,"errorMessage":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "peek-1", id)

	id, err = PeekCorrelationID([]byte(`{"success":true}`))
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = PeekCorrelationID([]byte(`not json`))
	assert.Error(t, err)
}
