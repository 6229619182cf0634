package client

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"agora-sync/internal/client/localstore"
	"agora-sync/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Intervals are the polling periods of the bridge.
type Intervals struct {
	Teams     time.Duration
	Roster    time.Duration
	Questions time.Duration
	Answers   time.Duration
	Settings  time.Duration
}

// DefaultIntervals are the steady-state periods used once a session is known.
func DefaultIntervals() Intervals {
	return Intervals{
		Teams:     3 * time.Second,
		Roster:    2 * time.Second,
		Questions: 3 * time.Second,
		Answers:   time.Second,
		Settings:  2 * time.Second,
	}
}

// View is the reconciled remote state a bridge holds.
type View struct {
	Teams     []domain.Team
	Students  []domain.Student
	Questions []domain.Question
	Answers   []domain.Answer
	Settings  domain.Settings
}

// Bridge keeps a local View of one session converging toward the server.
// Each collection has its own poller; change triggers wake the pollers of
// the affected tables early.
type Bridge struct {
	sessionID string
	remote    Remote
	local     *localstore.Durable
	trigger   Trigger
	intervals Intervals
	now       func() time.Time

	// OnChange, when set, is called with the table whose view changed.
	OnChange func(table string, view View)

	mu   sync.Mutex
	view View
}

func NewBridge(sessionID string, remote Remote, local *localstore.Durable, trigger Trigger, intervals Intervals) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		remote:    remote,
		local:     local,
		trigger:   trigger,
		intervals: intervals,
		now:       time.Now,
		view:      View{Settings: domain.DefaultSettings()},
	}
}

// View returns a copy of the reconciled state.
func (b *Bridge) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneView(b.view)
}

// Run seeds the view from the durable store and keeps it in sync until ctx
// is done. Every poller and the trigger stop with ctx.
func (b *Bridge) Run(ctx context.Context) error {
	b.seed(ctx)

	wakes := map[string]chan struct{}{
		domain.TableTeams:     make(chan struct{}, 1),
		domain.TableUsers:     make(chan struct{}, 1),
		domain.TableQuestions: make(chan struct{}, 1),
		domain.TableAnswers:   make(chan struct{}, 1),
		domain.TableSessions:  make(chan struct{}, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	pollers := []Poller{
		{Name: "teams", Interval: b.intervals.Teams, Wake: wakes[domain.TableTeams], Sync: b.syncTeams},
		{Name: "roster", Interval: b.intervals.Roster, Wake: wakes[domain.TableUsers], Sync: b.syncStudents},
		{Name: "questions", Interval: b.intervals.Questions, Wake: wakes[domain.TableQuestions], Sync: b.syncQuestions},
		{Name: "answers", Interval: b.intervals.Answers, Wake: wakes[domain.TableAnswers], Sync: b.syncAnswers},
		{Name: "settings", Interval: b.intervals.Settings, Wake: wakes[domain.TableSessions], Sync: b.syncSettings},
	}
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	if b.trigger != nil {
		changes := make(chan domain.Change, 16)
		g.Go(func() error {
			if err := b.trigger.Run(gctx, b.sessionID, changes); err != nil {
				slog.Warn("push trigger unavailable, polling only", "session_id", b.sessionID, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case change := <-changes:
					if change.SessionID != "" && change.SessionID != b.sessionID {
						continue
					}
					if ch, ok := wakes[change.Table]; ok {
						wake(ch)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (b *Bridge) seed(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if teams, ok := b.local.Teams(ctx, b.sessionID); ok {
		b.view.Teams = teams
	}
	if students, ok := b.local.Students(ctx, b.sessionID); ok {
		b.view.Students = domain.MergeStudents(nil, students, b.now())
	}
	if questions, ok := b.local.Questions(ctx, b.sessionID); ok {
		b.view.Questions = questions
	}
	if answers, ok := b.local.Answers(ctx, b.sessionID); ok {
		b.view.Answers = answers
	}
	if settings, ok := b.local.Settings(ctx, b.sessionID); ok {
		b.view.Settings = settings
	}
}

func (b *Bridge) syncTeams(ctx context.Context) error {
	remote, err := b.remote.Teams(ctx, b.sessionID)
	if err != nil {
		return err
	}
	b.apply(domain.TableTeams, func(v *View) {
		v.Teams = domain.MergeByID(v.Teams, remote)
	}, func(v View) error {
		return b.local.SetTeams(ctx, b.sessionID, v.Teams)
	})
	return nil
}

func (b *Bridge) syncStudents(ctx context.Context) error {
	remote, err := b.remote.Students(ctx, b.sessionID)
	if err != nil {
		return err
	}
	b.apply(domain.TableUsers, func(v *View) {
		v.Students = domain.MergeStudents(v.Students, remote, b.now())
	}, func(v View) error {
		return b.local.SetStudents(ctx, b.sessionID, v.Students)
	})
	return nil
}

func (b *Bridge) syncQuestions(ctx context.Context) error {
	remote, err := b.remote.Questions(ctx, b.sessionID)
	if err != nil {
		return err
	}
	b.apply(domain.TableQuestions, func(v *View) {
		v.Questions = domain.MergeByID(v.Questions, remote)
	}, func(v View) error {
		return b.local.SetQuestions(ctx, b.sessionID, v.Questions)
	})
	return nil
}

// syncAnswers merges the answer log and folds it into the roster, so a
// student's response follows the latest answer even between roster polls.
func (b *Bridge) syncAnswers(ctx context.Context) error {
	remote, err := b.remote.Answers(ctx, b.sessionID)
	if err != nil {
		return err
	}
	b.apply(domain.TableAnswers, func(v *View) {
		v.Answers = domain.MergeByID(v.Answers, remote)
		v.Students = domain.MergeAnswersIntoStudents(v.Students, v.Answers, b.now())
	}, func(v View) error {
		if err := b.local.SetAnswers(ctx, b.sessionID, v.Answers); err != nil {
			return err
		}
		return b.local.SetStudents(ctx, b.sessionID, v.Students)
	})
	return nil
}

func (b *Bridge) syncSettings(ctx context.Context) error {
	remote, err := b.remote.Settings(ctx, b.sessionID)
	if err != nil {
		return err
	}
	b.apply(domain.TableSessions, func(v *View) {
		v.Settings = remote
	}, func(v View) error {
		return b.local.SetSettings(ctx, b.sessionID, v.Settings)
	})
	return nil
}

// apply runs one reconciliation step, persists it and reports a change.
// Liveness is excluded from change detection since it moves with the clock.
func (b *Bridge) apply(table string, merge func(*View), persist func(View) error) {
	b.mu.Lock()
	before := cloneView(b.view)
	merge(&b.view)
	after := cloneView(b.view)
	b.mu.Unlock()

	if reflect.DeepEqual(withoutLiveness(before), withoutLiveness(after)) {
		return
	}
	if persist != nil {
		if err := persist(after); err != nil {
			slog.Warn("local save failed", "session_id", b.sessionID, "table", table, "error", err)
		}
	}
	if b.OnChange != nil {
		b.OnChange(table, after)
	}
}

func withoutLiveness(v View) View {
	students := make([]domain.Student, len(v.Students))
	for i, s := range v.Students {
		s.IsOnline = false
		students[i] = s
	}
	v.Students = students
	return v
}

func cloneView(v View) View {
	v.Teams = append([]domain.Team(nil), v.Teams...)
	v.Students = append([]domain.Student(nil), v.Students...)
	v.Questions = append([]domain.Question(nil), v.Questions...)
	v.Answers = append([]domain.Answer(nil), v.Answers...)
	return v
}
