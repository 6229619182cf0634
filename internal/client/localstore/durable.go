package localstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"agora-sync/internal/domain"
)

// Keys of the durable layout. The whole aggregate lives under
// KeyCurrentSession; the per-session entity keys are written alongside it
// for pages that only need one collection.
const (
	KeyCurrentSession = "current-session-data"
	KeyHostSessionID  = "host-session-id"
	KeyAssignment     = "student-team-assignment"
	KeyLegacyTeams    = "host-teams"
	KeyLegacyStudents = "host-students"
)

func TeamsKey(sessionID string) string     { return "teams-" + sessionID }
func StudentsKey(sessionID string) string  { return "students-" + sessionID }
func QuestionsKey(sessionID string) string { return "questions-" + sessionID }
func SettingsKey(sessionID string) string  { return "settings-" + sessionID }
func AnswersKey(sessionID string) string   { return "answers-" + sessionID }

// Durable maps domain values onto a Store. Malformed stored JSON is logged
// and treated as absent.
type Durable struct {
	store Store
}

func NewDurable(store Store) *Durable {
	return &Durable{store: store}
}

func getJSON[T any](ctx context.Context, d *Durable, key string) (T, bool) {
	var out T
	raw, ok, err := d.store.Get(ctx, key)
	if err != nil {
		slog.Warn("local store read failed", "key", key, "error", err)
		return out, false
	}
	if !ok {
		return out, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("ignoring malformed local value", "key", key, "error", err)
		var zero T
		return zero, false
	}
	return out, true
}

func (d *Durable) setJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, key, string(raw))
}

// LoadSession returns the persisted aggregate, if any.
func (d *Durable) LoadSession(ctx context.Context) (domain.SessionData, bool) {
	data, ok := getJSON[domain.SessionData](ctx, d, KeyCurrentSession)
	if !ok || data.ID == "" {
		return domain.SessionData{}, false
	}
	return data, true
}

// SaveSession writes the aggregate and its per-entity projections.
func (d *Durable) SaveSession(ctx context.Context, data domain.SessionData) error {
	if err := d.setJSON(ctx, KeyCurrentSession, data); err != nil {
		return err
	}
	if err := d.store.Set(ctx, KeyHostSessionID, data.ID); err != nil {
		return err
	}
	writes := []struct {
		key   string
		value any
	}{
		{TeamsKey(data.ID), data.Teams},
		{StudentsKey(data.ID), data.Students},
		{QuestionsKey(data.ID), data.Questions},
		{SettingsKey(data.ID), data.Settings},
	}
	for _, w := range writes {
		if err := d.setJSON(ctx, w.key, w.value); err != nil {
			return err
		}
	}
	return nil
}

// HostSessionID returns the session the host last opened.
func (d *Durable) HostSessionID(ctx context.Context) (string, bool) {
	id, ok, err := d.store.Get(ctx, KeyHostSessionID)
	if err != nil {
		slog.Warn("local store read failed", "key", KeyHostSessionID, "error", err)
		return "", false
	}
	return id, ok && id != ""
}

// Teams reads the per-session slot, then the legacy host slot.
func (d *Durable) Teams(ctx context.Context, sessionID string) ([]domain.Team, bool) {
	if teams, ok := getJSON[[]domain.Team](ctx, d, TeamsKey(sessionID)); ok {
		return teams, true
	}
	return getJSON[[]domain.Team](ctx, d, KeyLegacyTeams)
}

func (d *Durable) SetTeams(ctx context.Context, sessionID string, teams []domain.Team) error {
	return d.setJSON(ctx, TeamsKey(sessionID), teams)
}

// Students reads the per-session slot, then the legacy host slot.
func (d *Durable) Students(ctx context.Context, sessionID string) ([]domain.Student, bool) {
	if students, ok := getJSON[[]domain.Student](ctx, d, StudentsKey(sessionID)); ok {
		return students, true
	}
	return getJSON[[]domain.Student](ctx, d, KeyLegacyStudents)
}

func (d *Durable) SetStudents(ctx context.Context, sessionID string, students []domain.Student) error {
	return d.setJSON(ctx, StudentsKey(sessionID), students)
}

func (d *Durable) Questions(ctx context.Context, sessionID string) ([]domain.Question, bool) {
	return getJSON[[]domain.Question](ctx, d, QuestionsKey(sessionID))
}

func (d *Durable) SetQuestions(ctx context.Context, sessionID string, questions []domain.Question) error {
	return d.setJSON(ctx, QuestionsKey(sessionID), questions)
}

func (d *Durable) Settings(ctx context.Context, sessionID string) (domain.Settings, bool) {
	return getJSON[domain.Settings](ctx, d, SettingsKey(sessionID))
}

func (d *Durable) SetSettings(ctx context.Context, sessionID string, settings domain.Settings) error {
	return d.setJSON(ctx, SettingsKey(sessionID), settings)
}

func (d *Durable) Answers(ctx context.Context, sessionID string) ([]domain.Answer, bool) {
	return getJSON[[]domain.Answer](ctx, d, AnswersKey(sessionID))
}

func (d *Durable) SetAnswers(ctx context.Context, sessionID string, answers []domain.Answer) error {
	return d.setJSON(ctx, AnswersKey(sessionID), answers)
}

// Assignment returns the student identity remembered by this device.
func (d *Durable) Assignment(ctx context.Context) (domain.Assignment, bool) {
	a, ok := getJSON[domain.Assignment](ctx, d, KeyAssignment)
	if !ok || a.StudentID == "" {
		return domain.Assignment{}, false
	}
	return a, true
}

func (d *Durable) SetAssignment(ctx context.Context, a domain.Assignment) error {
	return d.setJSON(ctx, KeyAssignment, a)
}

// ClearSession removes every slot belonging to sessionID, including the
// aggregate, the legacy slots and a student assignment for that session.
func (d *Durable) ClearSession(ctx context.Context, sessionID string) error {
	keys := []string{
		TeamsKey(sessionID),
		StudentsKey(sessionID),
		QuestionsKey(sessionID),
		SettingsKey(sessionID),
		AnswersKey(sessionID),
		KeyLegacyTeams,
		KeyLegacyStudents,
	}
	if current, ok := getJSON[domain.SessionData](ctx, d, KeyCurrentSession); !ok || current.ID == sessionID {
		keys = append(keys, KeyCurrentSession)
	}
	if id, ok := d.HostSessionID(ctx); ok && id == sessionID {
		keys = append(keys, KeyHostSessionID)
	}
	if a, ok := d.Assignment(ctx); ok && a.SessionID == sessionID {
		keys = append(keys, KeyAssignment)
	}
	for _, key := range keys {
		if err := d.store.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
