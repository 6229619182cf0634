package app

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"agora-sync/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// WriteMode selects how collection writes reach the relational store.
type WriteMode string

const (
	// WriteModeAdditive inserts rows with unseen ids and leaves existing rows
	// alone, except for student status/response/lastSeen.
	WriteModeAdditive WriteMode = "additive"
	// WriteModeUpsert also rewrites changed fields of existing rows.
	WriteModeUpsert WriteMode = "upsert"
)

// ParseWriteMode maps a config string to a WriteMode, defaulting to additive.
func ParseWriteMode(raw string) WriteMode {
	if WriteMode(strings.ToLower(strings.TrimSpace(raw))) == WriteModeUpsert {
		return WriteModeUpsert
	}
	return WriteModeAdditive
}

// SessionService implements the per-entity session resources on top of the
// cache and relational tiers.
type SessionService struct {
	cache    SessionCache
	store    *GuardedStore
	notifier ChangeNotifier
	mode     WriteMode
	now      func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
	reads singleflight.Group
	locks sessionLocks
}

// sessionLocks serializes read-modify-write sequences on one session's cached
// collections within this process. Sessions share a fixed set of stripes.
type sessionLocks [32]sync.Mutex

func (l *sessionLocks) lock(sessionID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &l[h.Sum32()%uint32(len(l))]
	m.Lock()
	return m.Unlock
}

// Option customizes a SessionService.
type Option func(*SessionService)

// WithWriteMode selects additive (default) or upsert relational writes.
func WithWriteMode(mode WriteMode) Option {
	return func(s *SessionService) { s.mode = mode }
}

// WithClock is used by tests for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SessionService) { s.now = now }
}

// NewSessionService wires the tiers together. store and notifier may be nil.
func NewSessionService(cache SessionCache, store *GuardedStore, notifier ChangeNotifier, opts ...Option) *SessionService {
	if store == nil {
		store = NewGuardedStore(nil, 0)
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s := &SessionService{
		cache:    cache,
		store:    store,
		notifier: notifier,
		mode:     WriteModeAdditive,
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot is the aggregate returned by the session resource.
type Snapshot struct {
	Teams     []domain.Team     `json:"teams"`
	Students  []domain.Student  `json:"students"`
	Questions []domain.Question `json:"questions"`
	Settings  domain.Settings   `json:"settings"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	UpdatedAt int64             `json:"updatedAt,omitempty"`
}

// Patch is a partial aggregate write; nil fields are left untouched.
type Patch struct {
	Teams     *[]domain.Team
	Students  *[]domain.Student
	Questions *[]domain.Question
	Settings  *domain.Settings
}

// ResetRequest drives the irreversible session reset.
type ResetRequest struct {
	Confirm    bool `json:"confirm"`
	Regenerate bool `json:"regenerate"`
}

// ResetResult names the cleared session and, when requested, its replacement.
type ResetResult struct {
	SessionID    string `json:"sessionId"`
	NewSessionID string `json:"newSessionId,omitempty"`
}

func requireSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.ErrMissingSessionID
	}
	return nil
}

// readTier runs the relational-then-cache fallback for one collection.
// Identical concurrent relational reads are collapsed; callers get a private copy.
func readTier[T any](ctx context.Context, s *SessionService, sessionID, table string,
	fromStore func(context.Context, string) ([]T, error),
	fromCache func(context.Context, string) ([]T, bool, error),
) []T {
	if s.store.Configured() {
		v, err, _ := s.reads.Do(table+":"+sessionID, func() (interface{}, error) {
			return fromStore(ctx, sessionID)
		})
		if err == nil {
			if rows, _ := v.([]T); len(rows) > 0 {
				return append(make([]T, 0, len(rows)), rows...)
			}
		} else {
			s.logStoreErr("read "+table, sessionID, err)
		}
	}

	rows, ok, err := fromCache(ctx, sessionID)
	if err != nil {
		slog.Warn("session cache read failed", "table", table, "session_id", sessionID, "error", err)
		return []T{}
	}
	if !ok || rows == nil {
		return []T{}
	}
	return append(make([]T, 0, len(rows)), rows...)
}

// cachedOrRead returns the collection a read-modify-write starts from: the
// cached one when this process holds it, else the tiered read. Starting from
// the relational rows would drop writes only the cache has seen.
func cachedOrRead[T any](ctx context.Context, sessionID, table string,
	fromCache func(context.Context, string) ([]T, bool, error),
	read func(context.Context, string) ([]T, error),
) ([]T, error) {
	rows, ok, err := fromCache(ctx, sessionID)
	if err != nil {
		slog.Warn("session cache read failed", "table", table, "session_id", sessionID, "error", err)
	} else if ok {
		if rows == nil {
			rows = []T{}
		}
		return rows, nil
	}
	return read(ctx, sessionID)
}

// ReadTeams returns the session's teams; a missing session yields an empty list.
func (s *SessionService) ReadTeams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	return readTier(ctx, s, sessionID, domain.TableTeams, s.store.ListTeams, s.cache.Teams), nil
}

// ReadStudents returns the roster with liveness derived from the current time.
func (s *SessionService) ReadStudents(ctx context.Context, sessionID string) ([]domain.Student, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	students := readTier(ctx, s, sessionID, domain.TableUsers, s.store.ListStudents, s.cache.Students)
	now := s.now()
	for i := range students {
		students[i] = students[i].WithLiveness(now)
	}
	return students, nil
}

func (s *SessionService) ReadQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	return readTier(ctx, s, sessionID, domain.TableQuestions, s.store.ListQuestions, s.cache.Questions), nil
}

func (s *SessionService) ReadAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	return readTier(ctx, s, sessionID, domain.TableAnswers, s.store.ListAnswers, s.cache.Answers), nil
}

// ReadSettings prefers the relational row, then the cache, then defaults.
func (s *SessionService) ReadSettings(ctx context.Context, sessionID string) (domain.Settings, error) {
	if err := requireSession(sessionID); err != nil {
		return domain.Settings{}, err
	}
	if s.store.Configured() {
		settings, found, err := s.store.GetSettings(ctx, sessionID)
		if err != nil {
			s.logStoreErr("read settings", sessionID, err)
		} else if found {
			return settings, nil
		}
	}
	settings, ok, err := s.cache.Settings(ctx, sessionID)
	if err != nil {
		slog.Warn("session cache read failed", "table", domain.TableSessions, "session_id", sessionID, "error", err)
	}
	if err != nil || !ok {
		return domain.DefaultSettings(), nil
	}
	return settings, nil
}

// ReadSession assembles the aggregate from the per-entity tiered reads.
func (s *SessionService) ReadSession(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := requireSession(sessionID); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Teams, err = s.ReadTeams(gctx, sessionID)
		return err
	})
	g.Go(func() (err error) {
		snap.Students, err = s.ReadStudents(gctx, sessionID)
		return err
	})
	g.Go(func() (err error) {
		snap.Questions, err = s.ReadQuestions(gctx, sessionID)
		return err
	})
	g.Go(func() (err error) {
		snap.Settings, err = s.ReadSettings(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	if meta, ok, err := s.cache.Meta(ctx, sessionID); err == nil && ok {
		snap.CreatedAt, snap.UpdatedAt = meta.CreatedAt, meta.UpdatedAt
	}
	return snap, nil
}

// WriteSession applies every field present in the patch through its entity
// write path. All fields are validated before anything is written.
func (s *SessionService) WriteSession(ctx context.Context, sessionID string, patch Patch) (Snapshot, error) {
	if err := requireSession(sessionID); err != nil {
		return Snapshot{}, err
	}
	var students []domain.Student
	if patch.Teams != nil {
		if err := domain.ValidateTeams(*patch.Teams); err != nil {
			return Snapshot{}, err
		}
	}
	if patch.Students != nil {
		normalized, err := domain.NormalizeStudents(*patch.Students)
		if err != nil {
			return Snapshot{}, err
		}
		students = normalized
	}
	if patch.Questions != nil {
		if err := domain.ValidateQuestions(*patch.Questions); err != nil {
			return Snapshot{}, err
		}
	}
	if patch.Settings != nil {
		if _, err := domain.NormalizeSettings(*patch.Settings); err != nil {
			return Snapshot{}, err
		}
	}

	if patch.Teams != nil {
		if _, err := s.WriteTeams(ctx, sessionID, *patch.Teams); err != nil {
			return Snapshot{}, err
		}
	}
	if patch.Students != nil {
		if _, err := s.WriteStudents(ctx, sessionID, students); err != nil {
			return Snapshot{}, err
		}
	}
	if patch.Questions != nil {
		if _, err := s.WriteQuestions(ctx, sessionID, *patch.Questions); err != nil {
			return Snapshot{}, err
		}
	}
	if patch.Settings != nil {
		if _, err := s.WriteSettings(ctx, sessionID, *patch.Settings); err != nil {
			return Snapshot{}, err
		}
	}
	return s.cachedSnapshot(ctx, sessionID), nil
}

// cachedSnapshot reports what this process holds, which is what the caller just wrote.
func (s *SessionService) cachedSnapshot(ctx context.Context, sessionID string) Snapshot {
	snap := Snapshot{
		Teams:     []domain.Team{},
		Students:  []domain.Student{},
		Questions: []domain.Question{},
		Settings:  domain.DefaultSettings(),
	}
	if teams, ok, err := s.cache.Teams(ctx, sessionID); err == nil && ok {
		snap.Teams = teams
	}
	if students, ok, err := s.cache.Students(ctx, sessionID); err == nil && ok {
		now := s.now()
		for i := range students {
			students[i] = students[i].WithLiveness(now)
		}
		snap.Students = students
	}
	if questions, ok, err := s.cache.Questions(ctx, sessionID); err == nil && ok {
		snap.Questions = questions
	}
	if settings, ok, err := s.cache.Settings(ctx, sessionID); err == nil && ok {
		snap.Settings = settings
	}
	if meta, ok, err := s.cache.Meta(ctx, sessionID); err == nil && ok {
		snap.CreatedAt, snap.UpdatedAt = meta.CreatedAt, meta.UpdatedAt
	}
	return snap
}

// CreateSession allocates a fresh session id with default settings.
func (s *SessionService) CreateSession(ctx context.Context) (string, error) {
	s.rndMu.Lock()
	id := domain.NewSessionID(s.now(), s.rnd)
	s.rndMu.Unlock()

	if err := s.cache.SetSettings(ctx, id, domain.DefaultSettings()); err != nil {
		return "", err
	}
	s.touch(ctx, id)
	if err := s.store.EnsureSession(ctx, id); err != nil {
		s.logStoreErr("create session", id, err)
	}
	slog.Info("session created", "session_id", id)
	return id, nil
}

// Reset clears every collection of the session in the cache and, best-effort,
// in the relational store. It refuses to run without explicit confirmation.
func (s *SessionService) Reset(ctx context.Context, sessionID string, req ResetRequest) (ResetResult, error) {
	if err := requireSession(sessionID); err != nil {
		return ResetResult{}, err
	}
	if !req.Confirm {
		return ResetResult{}, domain.ErrResetNotConfirmed
	}

	writes := []func() error{
		func() error { return s.cache.SetTeams(ctx, sessionID, []domain.Team{}) },
		func() error { return s.cache.SetStudents(ctx, sessionID, []domain.Student{}) },
		func() error { return s.cache.SetQuestions(ctx, sessionID, []domain.Question{}) },
		func() error { return s.cache.SetAnswers(ctx, sessionID, []domain.Answer{}) },
		func() error { return s.cache.SetSettings(ctx, sessionID, domain.DefaultSettings()) },
	}
	unlock := s.locks.lock(sessionID)
	for _, write := range writes {
		if err := write(); err != nil {
			unlock()
			return ResetResult{}, err
		}
	}
	unlock()
	s.touch(ctx, sessionID)

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.logStoreErr("reset session", sessionID, err)
	}
	for _, table := range domain.AllTables {
		s.publish(ctx, sessionID, table)
	}
	slog.Info("session reset", "session_id", sessionID, "regenerate", req.Regenerate)

	result := ResetResult{SessionID: sessionID}
	if req.Regenerate {
		id, err := s.CreateSession(ctx)
		if err != nil {
			return ResetResult{}, err
		}
		result.NewSessionID = id
	}
	return result, nil
}

func (s *SessionService) touch(ctx context.Context, sessionID string) {
	if err := s.cache.Touch(ctx, sessionID, s.now().UnixMilli()); err != nil {
		slog.Warn("session cache touch failed", "session_id", sessionID, "error", err)
	}
}

func (s *SessionService) publish(ctx context.Context, sessionID, table string) {
	if err := s.notifier.Publish(ctx, domain.Change{SessionID: sessionID, Table: table}); err != nil {
		slog.Warn("change notification failed", "session_id", sessionID, "table", table, "error", err)
	}
}

func (s *SessionService) logStoreErr(op, sessionID string, err error) {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		slog.Debug("relational store skipped", "op", op, "session_id", sessionID)
		return
	}
	slog.Warn("relational store failed, continuing with session cache", "op", op, "session_id", sessionID, "error", err)
}
