package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eleven-am/companion-backend/internal/shared"
	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 24 * time.Hour
	metricsTTL = 7 * 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

// Open returns the stored session for id, creating it when absent or ended.
func (s *Store) Open(ctx context.Context, id, userID string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil && sess.Status == StatusActive {
		return sess, s.Update(ctx, sess)
	}
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	sess = &Session{ID: id, UserID: userID}
	if err := s.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = shared.NewID("chat_")
	}
	now := time.Now()
	sess.Status = StatusActive
	sess.StartedAt = now
	sess.LastActiveAt = now

	if err := s.put(ctx, sess); err != nil {
		return err
	}
	return s.IncrementMetric(ctx, CounterSessions, 1)
}

func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) Update(ctx context.Context, sess *Session) error {
	sess.LastActiveAt = time.Now()
	return s.put(ctx, sess)
}

func (s *Store) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, sess.RedisKey(), data, sessionTTL).Err()
}

func (s *Store) End(ctx context.Context, id string, status Status) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Status = status
	return s.Update(ctx, sess)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.redis.Del(ctx, sessionKey(id)).Err()
}

// Toggle flips a flag and returns its new value.
func (s *Store) Toggle(ctx context.Context, id string, flag Flag) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	value := !sess.flag(flag)
	if err := sess.setFlag(flag, value); err != nil {
		return false, err
	}
	return value, s.Update(ctx, sess)
}

func (s *Store) SetFlag(ctx context.Context, id string, flag Flag, value bool) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := sess.setFlag(flag, value); err != nil {
		return err
	}
	return s.Update(ctx, sess)
}

func (sess *Session) flag(f Flag) bool {
	switch f {
	case FlagThinking:
		return sess.ThinkingEnabled
	case FlagWebSearch:
		return sess.WebSearchEnabled
	case FlagASR:
		return sess.ASREnabled
	default:
		return false
	}
}

func (sess *Session) setFlag(f Flag, value bool) error {
	switch f {
	case FlagThinking:
		sess.ThinkingEnabled = value
	case FlagWebSearch:
		sess.WebSearchEnabled = value
	case FlagASR:
		sess.ASREnabled = value
	default:
		return fmt.Errorf("unknown flag %q: %w", f, shared.ErrBadRequest)
	}
	return nil
}

func (s *Store) IncrementMetric(ctx context.Context, field string, value int64) error {
	now := time.Now().UTC()
	key := MetricsRedisKey(now.Format("2006-01-02"), now.Hour())

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, value)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	now := time.Now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{Date: t.Format("2006-01-02"), Hour: t.Hour()}
		m.Sessions, _ = strconv.ParseInt(data[CounterSessions], 10, 64)
		m.Messages, _ = strconv.ParseInt(data[CounterMessages], 10, 64)
		m.Interrupts, _ = strconv.ParseInt(data[CounterInterrupts], 10, 64)
		m.ASRCommits, _ = strconv.ParseInt(data[CounterASRCommits], 10, 64)
		m.ErrorCount, _ = strconv.ParseInt(data[CounterErrors], 10, 64)
		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
