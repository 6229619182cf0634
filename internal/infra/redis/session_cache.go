package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"agora-sync/internal/app"
	"agora-sync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SessionCache keeps each session entity as a JSON value in Redis so several
// server processes share one cache tier.
//
//	session:{id}:teams      JSON array
//	session:{id}:students   JSON array
//	session:{id}:questions  JSON array
//	session:{id}:answers    list of JSON answers, oldest first
//	session:{id}:settings   JSON object
//	session:{id}:meta       hash createdAt/updatedAt (Unix ms)
//
// Every write slides the TTL of all keys of the session.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewSessionCache(client *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{
		client: client,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

const (
	entityTeams     = "teams"
	entityStudents  = "students"
	entityQuestions = "questions"
	entityAnswers   = "answers"
	entitySettings  = "settings"
	entityMeta      = "meta"
)

var allEntities = []string{entityTeams, entityStudents, entityQuestions, entityAnswers, entitySettings, entityMeta}

func (c *SessionCache) key(sessionID, entity string) string {
	return "session:" + sessionID + ":" + entity
}

func getJSON[T any](ctx context.Context, c *SessionCache, sessionID, entity string) (T, bool, error) {
	var out T
	raw, err := c.client.Get(ctx, c.key(sessionID, entity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("redis get %s: %w", entity, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode cached %s: %w", entity, err)
	}
	return out, true, nil
}

func (c *SessionCache) setJSON(ctx context.Context, sessionID, entity string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity, err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(sessionID, entity), raw, 0)
	c.expireAll(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", entity, err)
	}
	return nil
}

// expireAll queues a sliding expiry for every key of the session.
func (c *SessionCache) expireAll(ctx context.Context, pipe redis.Pipeliner, sessionID string) {
	ttl := c.ttlWithJitter()
	if ttl <= 0 {
		return
	}
	for _, entity := range allEntities {
		pipe.Expire(ctx, c.key(sessionID, entity), ttl)
	}
}

func (c *SessionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func (c *SessionCache) Teams(ctx context.Context, sessionID string) ([]domain.Team, bool, error) {
	return getJSON[[]domain.Team](ctx, c, sessionID, entityTeams)
}

func (c *SessionCache) SetTeams(ctx context.Context, sessionID string, teams []domain.Team) error {
	return c.setJSON(ctx, sessionID, entityTeams, nonNil(teams))
}

func (c *SessionCache) Students(ctx context.Context, sessionID string) ([]domain.Student, bool, error) {
	return getJSON[[]domain.Student](ctx, c, sessionID, entityStudents)
}

func (c *SessionCache) SetStudents(ctx context.Context, sessionID string, students []domain.Student) error {
	return c.setJSON(ctx, sessionID, entityStudents, nonNil(students))
}

func (c *SessionCache) Questions(ctx context.Context, sessionID string) ([]domain.Question, bool, error) {
	return getJSON[[]domain.Question](ctx, c, sessionID, entityQuestions)
}

func (c *SessionCache) SetQuestions(ctx context.Context, sessionID string, questions []domain.Question) error {
	return c.setJSON(ctx, sessionID, entityQuestions, nonNil(questions))
}

func (c *SessionCache) Settings(ctx context.Context, sessionID string) (domain.Settings, bool, error) {
	return getJSON[domain.Settings](ctx, c, sessionID, entitySettings)
}

func (c *SessionCache) SetSettings(ctx context.Context, sessionID string, settings domain.Settings) error {
	return c.setJSON(ctx, sessionID, entitySettings, settings)
}

// Answers returns the answer log. An empty list is indistinguishable from a
// missing one in Redis, so it is reported as absent.
func (c *SessionCache) Answers(ctx context.Context, sessionID string) ([]domain.Answer, bool, error) {
	items, err := c.client.LRange(ctx, c.key(sessionID, entityAnswers), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lrange answers: %w", err)
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	out := make([]domain.Answer, 0, len(items))
	for _, item := range items {
		var a domain.Answer
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, false, fmt.Errorf("decode cached answer: %w", err)
		}
		out = append(out, a)
	}
	return out, true, nil
}

func (c *SessionCache) SetAnswers(ctx context.Context, sessionID string, answers []domain.Answer) error {
	values := make([]interface{}, 0, len(answers))
	for _, a := range answers {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode answer: %w", err)
		}
		values = append(values, raw)
	}
	key := c.key(sessionID, entityAnswers)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.RPush(ctx, key, values...)
	}
	c.expireAll(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set answers: %w", err)
	}
	return nil
}

func (c *SessionCache) AppendAnswer(ctx context.Context, sessionID string, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, c.key(sessionID, entityAnswers), raw)
	c.expireAll(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append answer: %w", err)
	}
	return nil
}

func (c *SessionCache) Touch(ctx context.Context, sessionID string, nowMillis int64) error {
	key := c.key(sessionID, entityMeta)
	pipe := c.client.TxPipeline()
	pipe.HSetNX(ctx, key, "createdAt", nowMillis)
	pipe.HSet(ctx, key, "updatedAt", nowMillis)
	c.expireAll(ctx, pipe, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis touch: %w", err)
	}
	return nil
}

func (c *SessionCache) Meta(ctx context.Context, sessionID string) (app.SessionMeta, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.key(sessionID, entityMeta)).Result()
	if err != nil {
		return app.SessionMeta{}, false, fmt.Errorf("redis meta: %w", err)
	}
	if len(fields) == 0 {
		return app.SessionMeta{}, false, nil
	}
	created, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updatedAt"], 10, 64)
	return app.SessionMeta{CreatedAt: created, UpdatedAt: updated}, true, nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	keys := make([]string, 0, len(allEntities))
	for _, entity := range allEntities {
		keys = append(keys, c.key(sessionID, entity))
	}
	return c.client.Del(ctx, keys...).Err()
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
