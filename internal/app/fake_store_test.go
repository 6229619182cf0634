package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"

	"agora-sync/internal/domain"
)

var errBroken = errors.New("connection refused")

// fakeStore is an in-memory RelationalStore with failure injection. It
// enforces the same unique (session, name) keys as the real schema.
type fakeStore struct {
	mu        sync.Mutex
	fail      error
	sessions  map[string]bool
	teams     map[string][]domain.Team
	students  map[string][]domain.Student
	questions map[string][]domain.Question
	answers   map[string][]domain.Answer
	settings  map[string]domain.Settings
	calls     map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  map[string]bool{},
		teams:     map[string][]domain.Team{},
		students:  map[string][]domain.Student{},
		questions: map[string][]domain.Question{},
		answers:   map[string][]domain.Answer{},
		settings:  map[string]domain.Settings{},
		calls:     map[string]int{},
	}
}

func (f *fakeStore) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	return f.fail
}

func (f *fakeStore) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) EnsureSession(_ context.Context, sessionID string) error {
	if err := f.enter("EnsureSession"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	f.sessions[sessionID] = true
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID string) error {
	if err := f.enter("DeleteSession"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	delete(f.teams, sessionID)
	delete(f.students, sessionID)
	delete(f.questions, sessionID)
	delete(f.answers, sessionID)
	delete(f.settings, sessionID)
	return nil
}

func (f *fakeStore) ListTeams(_ context.Context, sessionID string) ([]domain.Team, error) {
	if err := f.enter("ListTeams"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]domain.Team(nil), f.teams[sessionID]...), nil
}

func (f *fakeStore) InsertTeam(_ context.Context, sessionID string, team domain.Team) error {
	if err := f.enter("InsertTeam"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for _, t := range f.teams[sessionID] {
		if t.ID == team.ID || strings.EqualFold(t.Name, team.Name) {
			return domain.ErrDuplicate
		}
	}
	f.teams[sessionID] = append(f.teams[sessionID], team)
	return nil
}

func (f *fakeStore) UpdateTeam(_ context.Context, sessionID string, team domain.Team) error {
	if err := f.enter("UpdateTeam"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for i, t := range f.teams[sessionID] {
		if t.ID == team.ID {
			f.teams[sessionID][i] = team
			return nil
		}
	}
	return domain.ErrTeamNotFound
}

func (f *fakeStore) DeleteTeam(_ context.Context, sessionID, teamID string) error {
	if err := f.enter("DeleteTeam"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	kept := f.teams[sessionID][:0]
	for _, t := range f.teams[sessionID] {
		if t.ID != teamID {
			kept = append(kept, t)
		}
	}
	f.teams[sessionID] = kept
	for i, s := range f.students[sessionID] {
		if s.Team == teamID {
			f.students[sessionID][i].Team = ""
		}
	}
	return nil
}

func (f *fakeStore) ListStudents(_ context.Context, sessionID string) ([]domain.Student, error) {
	if err := f.enter("ListStudents"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]domain.Student(nil), f.students[sessionID]...), nil
}

func (f *fakeStore) InsertStudent(_ context.Context, sessionID string, student domain.Student) error {
	if err := f.enter("InsertStudent"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for _, s := range f.students[sessionID] {
		if s.ID == student.ID || strings.EqualFold(s.Name, student.Name) {
			return domain.ErrDuplicate
		}
	}
	student.IsOnline = false
	f.students[sessionID] = append(f.students[sessionID], student)
	return nil
}

func (f *fakeStore) UpdateStudent(_ context.Context, sessionID string, student domain.Student) error {
	if err := f.enter("UpdateStudent"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for i, s := range f.students[sessionID] {
		if s.ID == student.ID {
			f.students[sessionID][i] = student
			return nil
		}
	}
	return domain.ErrStudentNotFound
}

func (f *fakeStore) UpdateStudentStatus(_ context.Context, sessionID, studentID string, status domain.StudentStatus, response string, lastSeen int64) error {
	if err := f.enter("UpdateStudentStatus"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for i, s := range f.students[sessionID] {
		if s.ID == studentID {
			f.students[sessionID][i].Status = status
			f.students[sessionID][i].Response = response
			f.students[sessionID][i].LastSeen = lastSeen
			return nil
		}
	}
	return domain.ErrStudentNotFound
}

func (f *fakeStore) DeleteStudent(_ context.Context, sessionID, studentID string) error {
	if err := f.enter("DeleteStudent"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	kept := f.students[sessionID][:0]
	for _, s := range f.students[sessionID] {
		if s.ID != studentID {
			kept = append(kept, s)
		}
	}
	f.students[sessionID] = kept
	return nil
}

func (f *fakeStore) ListQuestions(_ context.Context, sessionID string) ([]domain.Question, error) {
	if err := f.enter("ListQuestions"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]domain.Question(nil), f.questions[sessionID]...), nil
}

func (f *fakeStore) InsertQuestion(_ context.Context, sessionID string, question domain.Question) error {
	if err := f.enter("InsertQuestion"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for _, q := range f.questions[sessionID] {
		if q.ID == question.ID {
			return domain.ErrDuplicate
		}
	}
	f.questions[sessionID] = append(f.questions[sessionID], question)
	return nil
}

func (f *fakeStore) UpdateQuestion(_ context.Context, sessionID string, question domain.Question) error {
	if err := f.enter("UpdateQuestion"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for i, q := range f.questions[sessionID] {
		if q.ID == question.ID {
			f.questions[sessionID][i] = question
			return nil
		}
	}
	return errors.New("question not found")
}

func (f *fakeStore) ListAnswers(_ context.Context, sessionID string) ([]domain.Answer, error) {
	if err := f.enter("ListAnswers"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]domain.Answer(nil), f.answers[sessionID]...), nil
}

func (f *fakeStore) InsertAnswer(_ context.Context, sessionID string, answer domain.Answer) error {
	if err := f.enter("InsertAnswer"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	f.answers[sessionID] = append(f.answers[sessionID], answer)
	return nil
}

func (f *fakeStore) ReviewAnswer(_ context.Context, sessionID, answerID string, review domain.AnswerReview) error {
	if err := f.enter("ReviewAnswer"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	for i, a := range f.answers[sessionID] {
		if a.ID != answerID {
			continue
		}
		if review.Rating != nil {
			r := *review.Rating
			f.answers[sessionID][i].Rating = &r
		}
		if review.Highlighted != nil {
			f.answers[sessionID][i].Highlighted = *review.Highlighted
		}
		return nil
	}
	return domain.ErrAnswerNotFound
}

func (f *fakeStore) GetSettings(_ context.Context, sessionID string) (domain.Settings, bool, error) {
	if err := f.enter("GetSettings"); err != nil {
		f.mu.Unlock()
		return domain.Settings{}, false, err
	}
	defer f.mu.Unlock()
	s, ok := f.settings[sessionID]
	return s, ok, nil
}

func (f *fakeStore) SaveSettings(_ context.Context, sessionID string, settings domain.Settings) error {
	if err := f.enter("SaveSettings"); err != nil {
		f.mu.Unlock()
		return err
	}
	defer f.mu.Unlock()
	f.settings[sessionID] = settings
	return nil
}

// recordingNotifier keeps every published change.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recordingNotifier) Publish(_ context.Context, change domain.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingNotifier) Subscribe(context.Context, string) (<-chan domain.Change, func(), error) {
	return make(chan domain.Change), func() {}, nil
}

func (r *recordingNotifier) tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Table)
	}
	return out
}
