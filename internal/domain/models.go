package domain

import "time"

// OnlineWindow is how recent a heartbeat must be for a student to count as online.
const OnlineWindow = 30 * time.Second

// DefaultQuestionID is sent by clients that answer without knowing the question.
const DefaultQuestionID = "default-question"

// Level is the difficulty tier the host is currently presenting.
type Level string

const (
	LevelEasy   Level = "easy"
	LevelMedium Level = "medium"
	LevelHard   Level = "hard"
)

var levelOrder = []Level{LevelEasy, LevelMedium, LevelHard}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelEasy, LevelMedium, LevelHard:
		return true
	}
	return false
}

// Next cycles forward through the levels (easy -> medium -> hard -> easy).
func (l Level) Next() Level {
	return l.step(1)
}

// Prev cycles backward through the levels.
func (l Level) Prev() Level {
	return l.step(len(levelOrder) - 1)
}

func (l Level) step(by int) Level {
	for i, lv := range levelOrder {
		if lv == l {
			return levelOrder[(i+by)%len(levelOrder)]
		}
	}
	return LevelMedium
}

// StudentStatus tracks where a student is in answering the current question.
type StudentStatus string

const (
	StatusPending   StudentStatus = "pending"
	StatusAnswered  StudentStatus = "answered"
	StatusSubmitted StudentStatus = "submitted"
)

// Valid reports whether s is one of the known statuses.
func (s StudentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAnswered, StatusSubmitted:
		return true
	}
	return false
}

// Team is a named group of students within a session.
type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Emblem    string `json:"emblem"`
	Color     string `json:"color"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Student is one roster entry. LastSeen and UpdatedAt are Unix milliseconds.
// Response caches the latest answer text and is not the answer history.
type Student struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Team      string        `json:"team"`
	Status    StudentStatus `json:"status"`
	Response  string        `json:"response"`
	LastSeen  int64         `json:"lastSeen,omitempty"`
	IsOnline  bool          `json:"isOnline"`
	UpdatedAt int64         `json:"updatedAt,omitempty"`
}

// Online derives liveness from the last heartbeat.
func (s Student) Online(now time.Time) bool {
	if s.LastSeen == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(s.LastSeen)) < OnlineWindow
}

// WithLiveness returns a copy with IsOnline recomputed for now.
func (s Student) WithLiveness(now time.Time) Student {
	s.IsOnline = s.Online(now)
	return s
}

// Question is a host-authored prompt for one level.
type Question struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Level      Level  `json:"level"`
	OrderIndex int    `json:"order_index"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// Answer is one submission in a session's answer log.
type Answer struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	TeamID      string    `json:"teamId"`
	QuestionID  string    `json:"questionId"`
	Text        string    `json:"text"`
	Rating      *int      `json:"rating,omitempty"`
	Highlighted bool      `json:"highlighted"`
	Timestamp   time.Time `json:"timestamp"`
}

// AnswerSubmission is the append-one payload accepted by the answers resource.
type AnswerSubmission struct {
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	TeamID      string `json:"teamId"`
	Text        string `json:"text"`
	QuestionID  string `json:"questionId"`
}

// AnswerReview carries host-side edits to an answer; nil fields are left alone.
type AnswerReview struct {
	Rating      *int  `json:"rating,omitempty"`
	Highlighted *bool `json:"highlighted,omitempty"`
}

// Settings is the host-controlled presentation state.
type Settings struct {
	CurrentLevel Level `json:"currentLevel"`
	IsRunning    bool  `json:"isRunning"`
}

// DefaultSettings is what a brand-new session starts with.
func DefaultSettings() Settings {
	return Settings{CurrentLevel: LevelMedium, IsRunning: false}
}

// SessionData is the aggregate a client holds for one session.
type SessionData struct {
	ID        string     `json:"id"`
	Teams     []Team     `json:"teams"`
	Students  []Student  `json:"students"`
	Questions []Question `json:"questions"`
	Settings  Settings   `json:"settings"`
	CreatedAt int64      `json:"createdAt"`
	UpdatedAt int64      `json:"updatedAt"`
}

// NewSessionData returns an empty aggregate with default settings.
func NewSessionData(id string, now time.Time) SessionData {
	ms := now.UnixMilli()
	return SessionData{
		ID:        id,
		Teams:     []Team{},
		Students:  []Student{},
		Questions: []Question{},
		Settings:  DefaultSettings(),
		CreatedAt: ms,
		UpdatedAt: ms,
	}
}

// Assignment is the browser-scoped record that lets a returning student
// resolve to the same roster entry.
type Assignment struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	TeamID    string `json:"teamId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Table names used by change notifications. They match the relational schema.
const (
	TableSessions  = "sessions"
	TableTeams     = "teams"
	TableUsers     = "users"
	TableQuestions = "questions"
	TableAnswers   = "answers"
)

// AllTables lists every table a session owns.
var AllTables = []string{TableSessions, TableTeams, TableUsers, TableQuestions, TableAnswers}

// Change announces that a table changed for a session. It never carries the rows.
type Change struct {
	SessionID string `json:"sessionId"`
	Table     string `json:"table"`
}
