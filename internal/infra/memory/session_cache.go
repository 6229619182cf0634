package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"agora-sync/internal/app"
	"agora-sync/internal/domain"
)

// SessionCache is an in-memory implementation of app.SessionCache. Sessions
// idle for longer than ttl are evicted; ttl <= 0 keeps them for the life of
// the process.
type SessionCache struct {
	ttl   time.Duration
	clock func() time.Time
	rnd   *rand.Rand

	mu       sync.RWMutex
	sessions map[string]*cachedSession
}

type cachedSession struct {
	teams     []domain.Team
	students  []domain.Student
	questions []domain.Question
	answers   []domain.Answer
	settings  *domain.Settings
	meta      app.SessionMeta
	hasMeta   bool
	expiresAt time.Time
}

func NewSessionCache(ttl time.Duration) *SessionCache {
	return &SessionCache{
		ttl:      ttl,
		clock:    time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: make(map[string]*cachedSession),
	}
}

// get returns the live entry for sessionID. Callers must hold at least the read lock.
func (c *SessionCache) get(sessionID string) (*cachedSession, bool) {
	entry, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(c.clock()) {
		return nil, false
	}
	return entry, true
}

// getOrCreateLocked returns a writable entry and slides its expiry.
func (c *SessionCache) getOrCreateLocked(sessionID string) *cachedSession {
	entry, ok := c.get(sessionID)
	if !ok {
		entry = &cachedSession{}
		c.sessions[sessionID] = entry
	}
	if c.ttl > 0 {
		entry.expiresAt = c.clock().Add(c.ttlWithJitter())
	}
	return entry
}

func (c *SessionCache) ttlWithJitter() time.Duration {
	// up to 10% jitter so sessions created together do not expire together
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func (c *SessionCache) Teams(_ context.Context, sessionID string) ([]domain.Team, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || entry.teams == nil {
		return nil, false, nil
	}
	return clone(entry.teams), true, nil
}

func (c *SessionCache) SetTeams(_ context.Context, sessionID string, teams []domain.Team) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(sessionID).teams = clone(teams)
	return nil
}

func (c *SessionCache) Students(_ context.Context, sessionID string) ([]domain.Student, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || entry.students == nil {
		return nil, false, nil
	}
	return clone(entry.students), true, nil
}

func (c *SessionCache) SetStudents(_ context.Context, sessionID string, students []domain.Student) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(sessionID).students = clone(students)
	return nil
}

func (c *SessionCache) Questions(_ context.Context, sessionID string) ([]domain.Question, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || entry.questions == nil {
		return nil, false, nil
	}
	return clone(entry.questions), true, nil
}

func (c *SessionCache) SetQuestions(_ context.Context, sessionID string, questions []domain.Question) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(sessionID).questions = clone(questions)
	return nil
}

func (c *SessionCache) Answers(_ context.Context, sessionID string) ([]domain.Answer, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || entry.answers == nil {
		return nil, false, nil
	}
	return cloneAnswers(entry.answers), true, nil
}

func (c *SessionCache) SetAnswers(_ context.Context, sessionID string, answers []domain.Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(sessionID).answers = cloneAnswers(answers)
	return nil
}

func (c *SessionCache) AppendAnswer(_ context.Context, sessionID string, answer domain.Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.getOrCreateLocked(sessionID)
	entry.answers = append(entry.answers, cloneAnswers([]domain.Answer{answer})...)
	return nil
}

func (c *SessionCache) Settings(_ context.Context, sessionID string) (domain.Settings, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || entry.settings == nil {
		return domain.Settings{}, false, nil
	}
	return *entry.settings, true, nil
}

func (c *SessionCache) SetSettings(_ context.Context, sessionID string, settings domain.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(sessionID).settings = &settings
	return nil
}

func (c *SessionCache) Touch(_ context.Context, sessionID string, nowMillis int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.getOrCreateLocked(sessionID)
	if !entry.hasMeta {
		entry.meta.CreatedAt = nowMillis
		entry.hasMeta = true
	}
	entry.meta.UpdatedAt = nowMillis
	return nil
}

func (c *SessionCache) Meta(_ context.Context, sessionID string) (app.SessionMeta, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.get(sessionID)
	if !ok || !entry.hasMeta {
		return app.SessionMeta{}, false, nil
	}
	return entry.meta, true, nil
}

func (c *SessionCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

// Sweep drops expired sessions and reports how many were removed.
func (c *SessionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	removed := 0
	for id, entry := range c.sessions {
		if !entry.expiresAt.IsZero() && !entry.expiresAt.After(now) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

func clone[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}

// cloneAnswers also copies the rating pointer so callers cannot mutate cached state.
func cloneAnswers(in []domain.Answer) []domain.Answer {
	out := clone(in)
	for i := range out {
		if out[i].Rating != nil {
			r := *out[i].Rating
			out[i].Rating = &r
		}
	}
	return out
}
