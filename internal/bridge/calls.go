package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lumora/lumora-core/internal/messaging"
)

// QueryUser fetches a user profile from the identity service.
func (b *Bridge) QueryUser(ctx context.Context, userID string, timeout time.Duration) (*messaging.UserPayload, error) {
	req := &messaging.UserQueryRequest{UserID: userID}

	raw, err := b.SendAndWait(ctx, b.config.Topics.UserQueryRequest, userID, req, timeout)
	if err != nil {
		return nil, err
	}

	var resp messaging.UserQueryResponse
	if err := decodeResponse(raw, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &RemoteError{Message: fmt.Sprintf("user %s not found", userID)}
	}
	return resp.User, nil
}

// ValidateUsers checks many user IDs in a single round trip. One plural
// request costs one broker round trip; N singular requests would cost N.
func (b *Bridge) ValidateUsers(ctx context.Context, userIDs []string, timeout time.Duration) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}

	req := &messaging.UserValidationRequest{UserIDs: userIDs}
	// Key by the joined ID set so identical validations share a partition.
	key := strings.Join(userIDs, ",")

	raw, err := b.SendAndWait(ctx, b.config.Topics.UserValidationRequest, key, req, timeout)
	if err != nil {
		return nil, err
	}

	var resp messaging.UserValidationResponse
	if err := decodeResponse(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CreateStudent provisions a student account on the remote side and returns
// the new student ID.
func (b *Bridge) CreateStudent(ctx context.Context, req *messaging.StudentCreationRequest, timeout time.Duration) (string, error) {
	raw, err := b.SendAndWait(ctx, b.config.Topics.StudentCreationRequest, req.Email, req, timeout)
	if err != nil {
		return "", err
	}

	var resp messaging.StudentCreationResponse
	if err := decodeResponse(raw, &resp); err != nil {
		return "", err
	}
	return resp.StudentID, nil
}

// RequestCrawl schedules a crawl job with the orchestrator.
func (b *Bridge) RequestCrawl(ctx context.Context, req *messaging.SmartCrawlRequest, timeout time.Duration) (*messaging.SmartCrawlResponse, error) {
	raw, err := b.SendAndWait(ctx, b.config.Topics.SmartCrawlRequest, req.SourceURL, req, timeout)
	if err != nil {
		return nil, err
	}

	var resp messaging.SmartCrawlResponse
	if err := decodeResponse(raw, &resp); err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, &RemoteError{Message: "crawl request rejected"}
	}
	return &resp, nil
}
