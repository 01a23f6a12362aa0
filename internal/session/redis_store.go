// Package session provides Redis-backed storage for refresh tokens and
// in-flight review sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"thelist/api/internal/store"
)

// ReviewSessionTTL bounds how long a reviewer's per-field resolutions
// survive without activity before the session resets.
const ReviewSessionTTL = 4 * time.Hour

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Privileges []string  `json:"privileges"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisStore implements refresh token and review session storage using Redis
type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	reviewPrefix  string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		reviewPrefix:  "review:",
	}
}

func (s *RedisStore) refreshKey(tokenHash string) string {
	return s.refreshPrefix + tokenHash
}

func (s *RedisStore) reviewKey(proposalID, reviewerID string) string {
	return s.reviewPrefix + proposalID + ":" + reviewerID
}

// SaveRefreshSession stores a refresh token with expiration
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	data := TokenData{
		UserID:     user.ID,
		Username:   user.Username,
		Privileges: user.Privileges,
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour // Default 30 days
	}

	if err := s.client.Set(ctx, s.refreshKey(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}

	return nil
}

// LookupRefreshSession retrieves a refresh token and returns user info
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, s.refreshKey(tokenHash)).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}

	return store.User{
		ID:         data.UserID,
		Username:   data.Username,
		Privileges: data.Privileges,
	}, nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// SaveReviewResolution records one field resolution for a reviewer's
// in-flight review of a proposal and refreshes the session TTL.
func (s *RedisStore) SaveReviewResolution(ctx context.Context, proposalID, reviewerID, fieldPath, resolution string) error {
	key := s.reviewKey(proposalID, reviewerID)
	if err := s.client.HSet(ctx, key, fieldPath, resolution).Err(); err != nil {
		return fmt.Errorf("save review resolution: %w", err)
	}
	if err := s.client.Expire(ctx, key, ReviewSessionTTL).Err(); err != nil {
		return fmt.Errorf("refresh review session ttl: %w", err)
	}
	return nil
}

// ReviewResolutions returns every field resolution recorded for a
// reviewer's session. Missing sessions yield an empty map.
func (s *RedisStore) ReviewResolutions(ctx context.Context, proposalID, reviewerID string) (map[string]string, error) {
	resolutions, err := s.client.HGetAll(ctx, s.reviewKey(proposalID, reviewerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load review resolutions: %w", err)
	}
	return resolutions, nil
}

// ClearReviewSession drops a reviewer's session, resetting all field
// resolutions. Called after the proposal reaches a terminal status.
func (s *RedisStore) ClearReviewSession(ctx context.Context, proposalID, reviewerID string) error {
	if err := s.client.Del(ctx, s.reviewKey(proposalID, reviewerID)).Err(); err != nil {
		return fmt.Errorf("clear review session: %w", err)
	}
	return nil
}

// ClearProposalSessions drops every reviewer session for a proposal.
func (s *RedisStore) ClearProposalSessions(ctx context.Context, proposalID string) error {
	var cursor uint64
	pattern := s.reviewPrefix + proposalID + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan review sessions: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear review sessions: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
