package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisConvPrefix  = "forge:conv:"
	redisPrefsPrefix = "forge:prefs:"
	redisSessionsKey = "forge:conv:sessions"
	redisCompleteKey = "forge:conv:complete"
)

// redisStore keeps each conversation in a list, trimmed to the window on
// every append. Session membership and completion are tracked in two sets
// so IncompleteSessions is a single SDIFF.
type redisStore struct {
	client *redis.Client
	window int
}

var _ Store = (*redisStore)(nil)

func newRedisStore(redisURL string, window int) (*redisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts), window: window}, nil
}

func (s *redisStore) AppendMessage(ctx context.Context, sessionID, role, stage, content string) (int64, error) {
	msg := Message{
		SessionID: sessionID,
		Role:      role,
		Stage:     stage,
		Content:   content,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	key := redisConvPrefix + sessionID
	pipe := s.client.TxPipeline()
	length := pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.window), -1)
	pipe.SAdd(ctx, redisSessionsKey, sessionID)
	if role == "system" && content == CompleteMarker {
		pipe.SAdd(ctx, redisCompleteKey, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return length.Val(), nil
}

func (s *redisStore) ListHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > s.window {
		limit = s.window
	}
	raw, err := s.client.LRange(ctx, redisConvPrefix+sessionID, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for i, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to decode message %d: %w", i, err)
		}
		m.ID = int64(i + 1)
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *redisStore) IncompleteSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SDiff(ctx, redisSessionsKey, redisCompleteKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete sessions: %w", err)
	}
	return ids, nil
}

func (s *redisStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	data, err := s.client.Get(ctx, redisPrefsPrefix+userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return &prefs, nil
}

func (s *redisStore) UpsertPreferences(ctx context.Context, userID string, prefs Preferences) error {
	prefs.UpdatedAt = time.Now()
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := s.client.Set(ctx, redisPrefsPrefix+userID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }
