package client

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"agora-sync/internal/client/localstore"
	"agora-sync/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDebounce    = 300 * time.Millisecond
	defaultPushTimeout = 5 * time.Second
)

// ResetOptions mirrors the reset request body.
type ResetOptions struct {
	Confirm    bool `json:"confirm"`
	Regenerate bool `json:"regenerate"`
}

// SettingsPatch is a partial settings update; nil fields keep their value.
type SettingsPatch struct {
	CurrentLevel *domain.Level
	IsRunning    *bool
}

// Parts names the collections of the aggregate that a push carries.
type Parts uint8

const (
	PartTeams Parts = 1 << iota
	PartStudents
	PartQuestions
	PartSettings
)

func (p Parts) Has(q Parts) bool { return p&q != 0 }

// Controller owns one session's state on a client device. Every update lands
// in the durable store before it returns; the API push happens later on a
// debounce timer and its failures are only logged.
type Controller struct {
	local       *localstore.Durable
	remote      Remote
	debounce    time.Duration
	pushTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	rnd     *rand.Rand
	session *domain.SessionData
	timer   *time.Timer
	dirty   Parts
	closed  bool

	pushMu sync.Mutex
}

type ControllerOption func(*Controller)

func WithDebounce(d time.Duration) ControllerOption {
	return func(c *Controller) { c.debounce = d }
}

func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(local *localstore.Durable, remote Remote, opts ...ControllerOption) *Controller {
	c := &Controller{
		local:       local,
		remote:      remote,
		debounce:    defaultDebounce,
		pushTimeout: defaultPushTimeout,
		now:         time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitSession resolves the working session: the in-memory one when it already
// matches, then the stored aggregate, then a fresh session persisted at once.
// An empty id adopts whatever is stored or generates a new id.
func (c *Controller) InitSession(ctx context.Context, sessionID string) domain.SessionData {
	c.handOff(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && (sessionID == "" || c.session.ID == sessionID) {
		return cloneSession(*c.session)
	}
	if stored, ok := c.local.LoadSession(ctx); ok && (sessionID == "" || stored.ID == sessionID) {
		c.session = &stored
		return cloneSession(stored)
	}

	now := c.now()
	if sessionID == "" {
		sessionID = domain.NewSessionID(now, c.rnd)
	}
	fresh := domain.NewSessionData(sessionID, now)
	c.session = &fresh
	c.persistLocked(ctx)
	return cloneSession(fresh)
}

// Session returns the current state, or false before InitSession.
func (c *Controller) Session() (domain.SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.SessionData{}, false
	}
	return cloneSession(*c.session), true
}

func (c *Controller) UpdateTeams(ctx context.Context, teams []domain.Team) domain.SessionData {
	return c.update(ctx, PartTeams, func(s *domain.SessionData, now int64) {
		s.Teams = stampChanged(s.Teams, teams, now, func(t domain.Team, v int64) domain.Team {
			t.UpdatedAt = v
			return t
		})
	})
}

func (c *Controller) UpdateStudents(ctx context.Context, students []domain.Student) domain.SessionData {
	return c.update(ctx, PartStudents, func(s *domain.SessionData, now int64) {
		s.Students = stampChanged(s.Students, students, now, func(st domain.Student, v int64) domain.Student {
			st.UpdatedAt = v
			return st
		})
	})
}

func (c *Controller) UpdateQuestions(ctx context.Context, questions []domain.Question) domain.SessionData {
	return c.update(ctx, PartQuestions, func(s *domain.SessionData, now int64) {
		s.Questions = stampChanged(s.Questions, questions, now, func(q domain.Question, v int64) domain.Question {
			q.UpdatedAt = v
			return q
		})
	})
}

func (c *Controller) UpdateSettings(ctx context.Context, patch SettingsPatch) domain.SessionData {
	return c.update(ctx, PartSettings, func(s *domain.SessionData, _ int64) {
		if patch.CurrentLevel != nil {
			s.Settings.CurrentLevel = *patch.CurrentLevel
		}
		if patch.IsRunning != nil {
			s.Settings.IsRunning = *patch.IsRunning
		}
	})
}

func (c *Controller) update(ctx context.Context, part Parts, apply func(*domain.SessionData, int64)) domain.SessionData {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		now := c.now()
		fresh := domain.NewSessionData(domain.NewSessionID(now, c.rnd), now)
		c.session = &fresh
	}
	now := c.now().UnixMilli()
	apply(c.session, now)
	c.session.UpdatedAt = now
	c.persistLocked(ctx)
	c.schedulePushLocked(part)
	return cloneSession(*c.session)
}

func (c *Controller) persistLocked(ctx context.Context) {
	if err := c.local.SaveSession(ctx, *c.session); err != nil {
		slog.Warn("local session save failed", "session_id", c.session.ID, "error", err)
	}
}

func (c *Controller) schedulePushLocked(part Parts) {
	if c.closed {
		return
	}
	c.dirty |= part
	if c.timer != nil {
		c.timer.Reset(c.debounce)
		return
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()
		c.push(ctx)
	})
}

// push sends the parts changed since the last push. A failed push leaves
// them pending for the next update or Flush.
func (c *Controller) push(ctx context.Context) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.mu.Lock()
	if c.dirty == 0 || c.session == nil {
		c.mu.Unlock()
		return
	}
	parts := c.dirty
	c.dirty = 0
	snapshot := cloneSession(*c.session)
	c.mu.Unlock()

	if err := c.send(ctx, snapshot, parts); err != nil {
		c.mu.Lock()
		if c.session != nil && c.session.ID == snapshot.ID {
			c.dirty |= parts
		}
		c.mu.Unlock()
	}
}

func (c *Controller) send(ctx context.Context, snapshot domain.SessionData, parts Parts) error {
	if err := c.remote.PushSession(ctx, snapshot, parts); err != nil {
		slog.Warn("session push failed, keeping local state", "session_id", snapshot.ID, "error", err)
		return err
	}
	slog.Debug("session pushed", "session_id", snapshot.ID, "parts", uint8(parts))
	return nil
}

// handOff tears down the pending push when the working session is about to
// change to sessionID. Changes still pending for the old session are sent
// before it is dropped, never under the new id.
func (c *Controller) handOff(ctx context.Context, sessionID string) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.mu.Lock()
	if c.session == nil || sessionID == "" || c.session.ID == sessionID {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	parts := c.dirty
	c.dirty = 0
	snapshot := cloneSession(*c.session)
	c.mu.Unlock()

	if parts != 0 {
		_ = c.send(ctx, snapshot, parts)
	}
}

// Flush pushes pending changes now instead of waiting for the debounce.
func (c *Controller) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.push(ctx)
}

// Close flushes pending changes and stops scheduling pushes.
func (c *Controller) Close(ctx context.Context) {
	c.Flush(ctx)
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}

// LoadFromAPI replaces local state wholesale with the remote view of
// sessionID. On any pull failure local state is left untouched and false is
// returned.
func (c *Controller) LoadFromAPI(ctx context.Context, sessionID string) (domain.SessionData, bool) {
	c.handOff(ctx, sessionID)

	var (
		teams     []domain.Team
		students  []domain.Student
		questions []domain.Question
		settings  domain.Settings
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { teams, err = c.remote.Teams(gctx, sessionID); return })
	g.Go(func() (err error) { students, err = c.remote.Students(gctx, sessionID); return })
	g.Go(func() (err error) { questions, err = c.remote.Questions(gctx, sessionID); return })
	g.Go(func() (err error) { settings, err = c.remote.Settings(gctx, sessionID); return })
	if err := g.Wait(); err != nil {
		slog.Warn("load from api failed, keeping local state", "session_id", sessionID, "error", err)
		return domain.SessionData{}, false
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := domain.NewSessionData(sessionID, now)
	if c.session != nil && c.session.ID == sessionID {
		loaded.CreatedAt = c.session.CreatedAt
	}
	loaded.Teams = nonNil(teams)
	loaded.Students = nonNil(students)
	for i := range loaded.Students {
		loaded.Students[i] = loaded.Students[i].WithLiveness(now)
	}
	loaded.Questions = nonNil(questions)
	loaded.Settings = settings
	if loaded.Settings.CurrentLevel == "" {
		loaded.Settings.CurrentLevel = domain.DefaultSettings().CurrentLevel
	}
	c.session = &loaded
	c.dirty = 0
	if c.timer != nil {
		c.timer.Stop()
	}
	c.persistLocked(ctx)
	return cloneSession(loaded), true
}

// Reset clears the session on every tier and returns the fresh state. It is
// the one controller operation that can fail: without confirmation nothing
// is touched.
func (c *Controller) Reset(ctx context.Context, opts ResetOptions) (domain.SessionData, error) {
	if !opts.Confirm {
		return domain.SessionData{}, domain.ErrResetNotConfirmed
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.dirty = 0
	var sessionID string
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()
	if sessionID == "" {
		if id, ok := c.local.HostSessionID(ctx); ok {
			sessionID = id
		}
	}

	newID := sessionID
	if sessionID != "" {
		remoteID, err := c.remote.Reset(ctx, sessionID, opts)
		if err != nil {
			slog.Warn("remote reset failed, clearing locally", "session_id", sessionID, "error", err)
		}
		if err := c.local.ClearSession(ctx, sessionID); err != nil {
			slog.Warn("local clear failed", "session_id", sessionID, "error", err)
		}
		if remoteID != "" {
			newID = remoteID
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if newID == "" || (opts.Regenerate && newID == sessionID) {
		newID = domain.NewSessionID(now, c.rnd)
	}
	fresh := domain.NewSessionData(newID, now)
	c.session = &fresh
	c.persistLocked(ctx)
	slog.Info("session reset", "session_id", sessionID, "new_session_id", newID)
	return cloneSession(fresh), nil
}

// stampChanged returns next with UpdatedAt set to now on every record that is
// new or differs from its previous version.
func stampChanged[T interface {
	comparable
	domain.Record
}](prev, next []T, now int64, withVersion func(T, int64) T) []T {
	old := make(map[string]T, len(prev))
	for _, p := range prev {
		old[p.Key()] = p
	}
	out := make([]T, len(next))
	for i, n := range next {
		p, ok := old[n.Key()]
		if ok && withVersion(p, 0) == withVersion(n, 0) {
			out[i] = p
			continue
		}
		out[i] = withVersion(n, now)
	}
	return out
}

func cloneSession(s domain.SessionData) domain.SessionData {
	s.Teams = append([]domain.Team{}, s.Teams...)
	s.Students = append([]domain.Student{}, s.Students...)
	s.Questions = append([]domain.Question{}, s.Questions...)
	return s
}
