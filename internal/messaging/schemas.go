package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic identifies a broker topic. Concrete names are configuration.
type Topic string

// RequestEnvelope is embedded in every request message. CorrelationID links
// the request to its eventual response; it is generated once per call and
// never reused while a waiter for it is pending.
type RequestEnvelope struct {
	CorrelationID string    `json:"correlationId"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// ResponseEnvelope is embedded in every response message.
type ResponseEnvelope struct {
	CorrelationID string    `json:"correlationId"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	RespondedAt   time.Time `json:"respondedAt"`
}

// NewRequestEnvelope stamps a fresh UUIDv4 correlation ID.
func NewRequestEnvelope() RequestEnvelope {
	return RequestEnvelope{
		CorrelationID: uuid.NewString(),
		RequestedAt:   time.Now().UTC(),
	}
}

// Correlated is implemented by request messages so the bridge can stamp the
// envelope without knowing the concrete payload type.
type Correlated interface {
	Envelope() RequestEnvelope
	Stamp(env RequestEnvelope)
}

func (e *RequestEnvelope) Envelope() RequestEnvelope { return *e }
func (e *RequestEnvelope) Stamp(env RequestEnvelope) { *e = env }

// Replied is implemented by response messages so the bridge can read the
// shared envelope without knowing the concrete payload type.
type Replied interface {
	Result() ResponseEnvelope
}

func (e *ResponseEnvelope) Result() ResponseEnvelope { return *e }

// UserQueryRequest asks the identity service for a single user profile.
type UserQueryRequest struct {
	RequestEnvelope
	UserID string `json:"userId"`
}

// UserPayload is the identity profile carried by query responses.
type UserPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
	SchoolID  string `json:"schoolId,omitempty"`
}

// UserQueryResponse carries the resolved profile, or an error message.
type UserQueryResponse struct {
	ResponseEnvelope
	User *UserPayload `json:"user,omitempty"`
}

// UserValidationRequest checks many users in one round trip. Callers
// validating a roster should batch IDs here rather than issue N queries.
type UserValidationRequest struct {
	RequestEnvelope
	UserIDs []string `json:"userIds"`
}

// UserValidationResponse maps each requested ID to its validity.
type UserValidationResponse struct {
	ResponseEnvelope
	Results map[string]bool `json:"results,omitempty"`
}

// StudentCreationRequest provisions a student account on the remote side.
type StudentCreationRequest struct {
	RequestEnvelope
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	SchoolID  string `json:"schoolId"`
	ClassID   string `json:"classId,omitempty"`
}

// StudentCreationResponse reports the provisioned account.
type StudentCreationResponse struct {
	ResponseEnvelope
	StudentID string `json:"studentId,omitempty"`
}

// SmartCrawlRequest asks the crawl orchestrator to schedule a crawl job.
type SmartCrawlRequest struct {
	RequestEnvelope
	SourceURL string   `json:"sourceUrl"`
	Selectors []string `json:"selectors,omitempty"`
	Priority  int      `json:"priority"`
}

// SmartCrawlResponse acknowledges the scheduled job.
type SmartCrawlResponse struct {
	ResponseEnvelope
	JobID    string `json:"jobId,omitempty"`
	Accepted bool   `json:"accepted"`
}

// InvalidationMessage tells cache holders that an entity changed at the
// source of truth. Either EntityID or Pattern is set, not both. Entity names
// the entity kind ("user", "school", ...); an empty Entity means "user",
// which is by far the most common invalidation.
type InvalidationMessage struct {
	Entity     string    `json:"entity,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Pattern    string    `json:"pattern,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PeekCorrelationID extracts just the correlation ID from a raw response so
// the dispatcher can route it without unmarshalling the full payload.
func PeekCorrelationID(raw []byte) (string, error) {
	var env struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.CorrelationID, nil
}
