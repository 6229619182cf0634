package postgres

import (
	"time"

	"agora-sync/internal/domain"
	"github.com/uptrace/bun"
)

// Rows are keyed by the client-generated id scoped to the session, so the
// same id can exist in two sessions without conflict.

type sessionRow struct {
	bun.BaseModel `bun:"table:sessions"`

	ID           string    `bun:"id,pk"`
	CurrentLevel string    `bun:"current_level,notnull"`
	IsRunning    bool      `bun:"is_running,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type teamRow struct {
	bun.BaseModel `bun:"table:teams"`

	SessionID string    `bun:"session_id,pk"`
	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Emblem    string    `bun:"emblem,notnull"`
	Color     string    `bun:"color,notnull"`
	UpdatedAt int64     `bun:"updated_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newTeamRow(sessionID string, t domain.Team) teamRow {
	return teamRow{SessionID: sessionID, ID: t.ID, Name: t.Name, Emblem: t.Emblem, Color: t.Color, UpdatedAt: t.UpdatedAt}
}

func (r teamRow) toDomain() domain.Team {
	return domain.Team{ID: r.ID, Name: r.Name, Emblem: r.Emblem, Color: r.Color, UpdatedAt: r.UpdatedAt}
}

type userRow struct {
	bun.BaseModel `bun:"table:users"`

	SessionID string    `bun:"session_id,pk"`
	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	TeamID    string    `bun:"team_id,nullzero"`
	Status    string    `bun:"status,notnull"`
	Response  string    `bun:"response,notnull"`
	LastSeen  int64     `bun:"last_seen,notnull"`
	UpdatedAt int64     `bun:"updated_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newUserRow(sessionID string, s domain.Student) userRow {
	status := s.Status
	if status == "" {
		status = domain.StatusPending
	}
	return userRow{
		SessionID: sessionID,
		ID:        s.ID,
		Name:      s.Name,
		TeamID:    s.Team,
		Status:    string(status),
		Response:  s.Response,
		LastSeen:  s.LastSeen,
		UpdatedAt: s.UpdatedAt,
	}
}

// toDomain leaves IsOnline unset; liveness is derived by the caller.
func (r userRow) toDomain() domain.Student {
	return domain.Student{
		ID:        r.ID,
		Name:      r.Name,
		Team:      r.TeamID,
		Status:    domain.StudentStatus(r.Status),
		Response:  r.Response,
		LastSeen:  r.LastSeen,
		UpdatedAt: r.UpdatedAt,
	}
}

type questionRow struct {
	bun.BaseModel `bun:"table:questions"`

	SessionID  string    `bun:"session_id,pk"`
	ID         string    `bun:"id,pk"`
	Text       string    `bun:"text,notnull"`
	Level      string    `bun:"level,notnull"`
	OrderIndex int       `bun:"order_index,notnull"`
	UpdatedAt  int64     `bun:"updated_at,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func newQuestionRow(sessionID string, q domain.Question) questionRow {
	return questionRow{SessionID: sessionID, ID: q.ID, Text: q.Text, Level: string(q.Level), OrderIndex: q.OrderIndex, UpdatedAt: q.UpdatedAt}
}

func (r questionRow) toDomain() domain.Question {
	return domain.Question{ID: r.ID, Text: r.Text, Level: domain.Level(r.Level), OrderIndex: r.OrderIndex, UpdatedAt: r.UpdatedAt}
}

type answerRow struct {
	bun.BaseModel `bun:"table:answers"`

	SessionID   string    `bun:"session_id,pk"`
	ID          string    `bun:"id,pk"`
	UserID      string    `bun:"user_id,notnull"`
	UserName    string    `bun:"user_name,notnull"`
	TeamID      string    `bun:"team_id,nullzero"`
	QuestionID  string    `bun:"question_id,notnull"`
	Text        string    `bun:"text,notnull"`
	Rating      *int      `bun:"rating"`
	Highlighted bool      `bun:"highlighted,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func newAnswerRow(sessionID string, a domain.Answer) answerRow {
	return answerRow{
		SessionID:   sessionID,
		ID:          a.ID,
		UserID:      a.StudentID,
		UserName:    a.StudentName,
		TeamID:      a.TeamID,
		QuestionID:  a.QuestionID,
		Text:        a.Text,
		Rating:      a.Rating,
		Highlighted: a.Highlighted,
		CreatedAt:   a.Timestamp,
	}
}

func (r answerRow) toDomain() domain.Answer {
	return domain.Answer{
		ID:          r.ID,
		StudentID:   r.UserID,
		StudentName: r.UserName,
		TeamID:      r.TeamID,
		QuestionID:  r.QuestionID,
		Text:        r.Text,
		Rating:      r.Rating,
		Highlighted: r.Highlighted,
		Timestamp:   r.CreatedAt.UTC(),
	}
}
