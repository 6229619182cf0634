package app

import (
	"context"

	"agora-sync/internal/domain"
)

// SessionCache is the process-lifetime tier (in-memory, Redis, etc). Each
// setter replaces the whole collection; ok=false means nothing was ever stored.
type SessionCache interface {
	Teams(ctx context.Context, sessionID string) ([]domain.Team, bool, error)
	SetTeams(ctx context.Context, sessionID string, teams []domain.Team) error
	Students(ctx context.Context, sessionID string) ([]domain.Student, bool, error)
	SetStudents(ctx context.Context, sessionID string, students []domain.Student) error
	Questions(ctx context.Context, sessionID string) ([]domain.Question, bool, error)
	SetQuestions(ctx context.Context, sessionID string, questions []domain.Question) error
	Answers(ctx context.Context, sessionID string) ([]domain.Answer, bool, error)
	SetAnswers(ctx context.Context, sessionID string, answers []domain.Answer) error
	AppendAnswer(ctx context.Context, sessionID string, answer domain.Answer) error
	Settings(ctx context.Context, sessionID string) (domain.Settings, bool, error)
	SetSettings(ctx context.Context, sessionID string, settings domain.Settings) error
	// Touch records a write; the first touch also fixes CreatedAt.
	Touch(ctx context.Context, sessionID string, nowMillis int64) error
	Meta(ctx context.Context, sessionID string) (SessionMeta, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionMeta holds the aggregate timestamps in Unix milliseconds.
type SessionMeta struct {
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// RelationalStore is the optional persisted tier. Implementations map unique
// violations to domain.ErrDuplicate.
type RelationalStore interface {
	EnsureSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error)
	InsertTeam(ctx context.Context, sessionID string, team domain.Team) error
	UpdateTeam(ctx context.Context, sessionID string, team domain.Team) error
	DeleteTeam(ctx context.Context, sessionID, teamID string) error

	ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error)
	InsertStudent(ctx context.Context, sessionID string, student domain.Student) error
	UpdateStudent(ctx context.Context, sessionID string, student domain.Student) error
	UpdateStudentStatus(ctx context.Context, sessionID, studentID string, status domain.StudentStatus, response string, lastSeen int64) error
	DeleteStudent(ctx context.Context, sessionID, studentID string) error

	ListQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)
	InsertQuestion(ctx context.Context, sessionID string, question domain.Question) error
	UpdateQuestion(ctx context.Context, sessionID string, question domain.Question) error

	ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error)
	InsertAnswer(ctx context.Context, sessionID string, answer domain.Answer) error
	ReviewAnswer(ctx context.Context, sessionID, answerID string, review domain.AnswerReview) error

	GetSettings(ctx context.Context, sessionID string) (domain.Settings, bool, error)
	SaveSettings(ctx context.Context, sessionID string, settings domain.Settings) error
}

// ChangeNotifier fans out change triggers. Subscribers re-read through the
// API; a Change never carries rows.
type ChangeNotifier interface {
	Publish(ctx context.Context, change domain.Change) error
	// Subscribe returns a channel of changes for one session. The caller must
	// invoke the returned cancel function to avoid leaks.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error)
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, domain.Change) error { return nil }

func (noopNotifier) Subscribe(context.Context, string) (<-chan domain.Change, func(), error) {
	ch := make(chan domain.Change)
	return ch, func() {}, nil
}
