package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Key naming conventions. The prefix is applied by Cache.key, so these
// produce the logical part only: user:{id}, user:{id}:validation.
func UserKey(userID string) string {
	return "user:" + userID
}

func UserValidationKey(userID string) string {
	return UserKey(userID) + ":validation"
}

// EntityKey names an arbitrary entity: {entity}:{id}.
func EntityKey(entity, id string) string {
	return fmt.Sprintf("%s:%s", entity, id)
}

// RosterKey names a school's member roster: school:{id}:roster.
func RosterKey(schoolID string) string {
	return EntityKey("school", schoolID) + ":roster"
}

// GetOrFetchUser reads a user profile through the cache, fetching from the
// origin (typically the bridge's QueryUser) on a miss. Profiles use the
// default TTL: identity data changes slowly.
func (c *Cache) GetOrFetchUser(ctx context.Context, userID string, fetch FetchFunc, dest interface{}) error {
	return c.GetOrFetchJSON(ctx, UserKey(userID), c.config.DefaultTTL, fetch, dest)
}

// GetOrFetchRoster reads a school roster through the cache. Rosters change
// rarely, so they carry the long TTL.
func (c *Cache) GetOrFetchRoster(ctx context.Context, schoolID string, fetch FetchFunc, dest interface{}) error {
	return c.GetOrFetchJSON(ctx, RosterKey(schoolID), c.config.LongTTL, fetch, dest)
}

// GetUserValidation reads a cached validation verdict. The second return
// reports whether a verdict was cached at all.
func (c *Cache) GetUserValidation(ctx context.Context, userID string) (valid bool, found bool, err error) {
	found, err = c.Get(ctx, UserValidationKey(userID), &valid)
	return valid, found, err
}

// SetUserValidation caches a validation verdict with the short TTL:
// validation results go stale faster than identity data changes.
func (c *Cache) SetUserValidation(ctx context.Context, userID string, valid bool) error {
	return c.Set(ctx, UserValidationKey(userID), valid, c.config.ShortTTL)
}

// SetUserValidations caches a batch of verdicts from one plural validation
// round trip, in one store round trip.
func (c *Cache) SetUserValidations(ctx context.Context, results map[string]bool) error {
	if len(results) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(results))
	for userID, valid := range results {
		values[UserValidationKey(userID)] = valid
	}
	return c.SetMany(ctx, values, c.config.ShortTTL)
}

// InvalidateUser evicts a user's profile and validation verdict together.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	return c.Remove(ctx, UserKey(userID), UserValidationKey(userID))
}

// GetUsers batch-reads cached profiles in one store round trip. IDs without
// a cached profile are simply absent from the result.
func (c *Cache) GetUsers(ctx context.Context, userIDs []string) (map[string]map[string]interface{}, error) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = UserKey(id)
	}

	found, err := c.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	users := make(map[string]map[string]interface{}, len(found))
	for i, id := range userIDs {
		data, ok := found[keys[i]]
		if !ok {
			continue
		}
		user, err := CachedUser(data)
		if err != nil {
			return nil, err
		}
		users[id] = user
	}
	return users, nil
}

// CachedUser decodes raw cached bytes into a generic JSON object. Helper for
// callers that batch-read profiles via GetMany.
func CachedUser(data []byte) (map[string]interface{}, error) {
	var user map[string]interface{}
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode cached user: %w", err)
	}
	return user, nil
}
