package app

import (
	"context"
	"time"

	"agora-sync/internal/domain"
)

// GuardedStore wraps an optional RelationalStore. With no inner store every
// call fails fast with domain.ErrStoreUnavailable; otherwise each call runs
// under its own timeout so a slow database never stalls a request.
type GuardedStore struct {
	inner   RelationalStore
	timeout time.Duration
}

func NewGuardedStore(inner RelationalStore, timeout time.Duration) *GuardedStore {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GuardedStore{inner: inner, timeout: timeout}
}

// Configured reports whether a real store sits behind the guard.
func (g *GuardedStore) Configured() bool {
	return g != nil && g.inner != nil
}

func (g *GuardedStore) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.Configured() {
		return domain.ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(ctx)
}

func (g *GuardedStore) EnsureSession(ctx context.Context, sessionID string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.EnsureSession(ctx, sessionID) })
}

func (g *GuardedStore) DeleteSession(ctx context.Context, sessionID string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.DeleteSession(ctx, sessionID) })
}

func (g *GuardedStore) ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	var out []domain.Team
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.inner.ListTeams(ctx, sessionID)
		return err
	})
	return out, err
}

func (g *GuardedStore) InsertTeam(ctx context.Context, sessionID string, team domain.Team) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.InsertTeam(ctx, sessionID, team) })
}

func (g *GuardedStore) UpdateTeam(ctx context.Context, sessionID string, team domain.Team) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.UpdateTeam(ctx, sessionID, team) })
}

func (g *GuardedStore) DeleteTeam(ctx context.Context, sessionID, teamID string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.DeleteTeam(ctx, sessionID, teamID) })
}

func (g *GuardedStore) ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error) {
	var out []domain.Student
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.inner.ListStudents(ctx, sessionID)
		return err
	})
	return out, err
}

func (g *GuardedStore) InsertStudent(ctx context.Context, sessionID string, student domain.Student) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.InsertStudent(ctx, sessionID, student) })
}

func (g *GuardedStore) UpdateStudent(ctx context.Context, sessionID string, student domain.Student) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.UpdateStudent(ctx, sessionID, student) })
}

func (g *GuardedStore) UpdateStudentStatus(ctx context.Context, sessionID, studentID string, status domain.StudentStatus, response string, lastSeen int64) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.UpdateStudentStatus(ctx, sessionID, studentID, status, response, lastSeen)
	})
}

func (g *GuardedStore) DeleteStudent(ctx context.Context, sessionID, studentID string) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.DeleteStudent(ctx, sessionID, studentID) })
}

func (g *GuardedStore) ListQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	var out []domain.Question
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.inner.ListQuestions(ctx, sessionID)
		return err
	})
	return out, err
}

func (g *GuardedStore) InsertQuestion(ctx context.Context, sessionID string, question domain.Question) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.InsertQuestion(ctx, sessionID, question) })
}

func (g *GuardedStore) UpdateQuestion(ctx context.Context, sessionID string, question domain.Question) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.UpdateQuestion(ctx, sessionID, question) })
}

func (g *GuardedStore) ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	var out []domain.Answer
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.inner.ListAnswers(ctx, sessionID)
		return err
	})
	return out, err
}

func (g *GuardedStore) InsertAnswer(ctx context.Context, sessionID string, answer domain.Answer) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.InsertAnswer(ctx, sessionID, answer) })
}

func (g *GuardedStore) ReviewAnswer(ctx context.Context, sessionID, answerID string, review domain.AnswerReview) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.ReviewAnswer(ctx, sessionID, answerID, review) })
}

func (g *GuardedStore) GetSettings(ctx context.Context, sessionID string) (domain.Settings, bool, error) {
	var (
		out   domain.Settings
		found bool
	)
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, found, err = g.inner.GetSettings(ctx, sessionID)
		return err
	})
	return out, found, err
}

func (g *GuardedStore) SaveSettings(ctx context.Context, sessionID string, settings domain.Settings) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.SaveSettings(ctx, sessionID, settings) })
}
