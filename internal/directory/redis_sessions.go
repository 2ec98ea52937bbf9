package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions in Redis. Each session lives under its own
// key with the session TTL; a per-user set indexes the session IDs so all of a
// user's sessions can be counted and revoked without scanning.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "accessguard:sessions"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisSessionStore) userKey(userID string) string { return s.prefix + ":user:" + userID }

// Create stores a session. A zero ExpiresAt stores it without expiry.
func (s *RedisSessionStore) Create(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !sess.ExpiresAt.IsZero() {
		ttl = time.Until(sess.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads one session.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// revokeScript reads the user index and deletes every listed session and the
// index in one step, so a session created concurrently is either revoked here
// or indexed afterwards. KEYS[1] is the index, ARGV[1] the session key prefix.
var revokeScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local deleted = 0
for _, id in ipairs(ids) do
	deleted = deleted + redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return deleted
`)

// RevokeAllForUser deletes every live session of the user and the index.
func (s *RedisSessionStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	deleted, err := revokeScript.Run(ctx, s.client, []string{s.userKey(userID)}, s.sessionKey("")).Int()
	if err != nil {
		return 0, fmt.Errorf("revoking sessions for %s: %w", userID, err)
	}
	return deleted, nil
}

// CountForUser counts live sessions, pruning index entries whose session key
// has expired.
func (s *RedisSessionStore) CountForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("listing sessions for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	checks := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			checks[i] = pipe.Exists(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	live := 0
	var stale []interface{}
	for i, c := range checks {
		if c.Val() > 0 {
			live++
		} else {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return live, err
		}
	}
	return live, nil
}
