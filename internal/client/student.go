package client

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"agora-sync/internal/client/localstore"
	"agora-sync/internal/domain"
)

// DefaultHeartbeat is how often a joined student reports liveness.
const DefaultHeartbeat = 10 * time.Second

// Student is the participant side of a session on one device.
type Student struct {
	local     *localstore.Durable
	remote    Remote
	sessionID string
	now       func() time.Time

	mu   sync.Mutex
	rnd  *rand.Rand
	self domain.Assignment
}

func NewStudent(local *localstore.Durable, remote Remote, sessionID string) *Student {
	return &Student{
		local:     local,
		remote:    remote,
		sessionID: sessionID,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Assignment returns the identity resolved by Join.
func (s *Student) Assignment() (domain.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self, s.self.StudentID != ""
}

// Join resolves this device to one roster entry. The stored assignment for
// this session wins; otherwise a roster entry with the same name and team is
// reclaimed; otherwise a new id is generated. The entry is then upserted into
// the remote roster.
func (s *Student) Join(ctx context.Context, name, teamID string) (domain.Assignment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Assignment{}, &domain.ValidationError{Field: "name", Reason: "is required"}
	}

	roster, err := s.remote.Students(ctx, s.sessionID)
	if err != nil {
		slog.Warn("roster fetch failed, joining offline", "session_id", s.sessionID, "error", err)
		roster, _ = s.local.Students(ctx, s.sessionID)
	}

	now := s.now()
	studentID := ""
	if prev, ok := s.local.Assignment(ctx); ok && prev.SessionID == s.sessionID {
		studentID = prev.StudentID
	}
	if studentID == "" {
		studentID = reclaim(roster, name, teamID)
	}
	if studentID == "" {
		s.mu.Lock()
		studentID = domain.NewStudentID(now, s.rnd)
		s.mu.Unlock()
	}

	a := domain.Assignment{
		StudentID: studentID,
		Name:      name,
		TeamID:    teamID,
		SessionID: s.sessionID,
		Timestamp: now.UnixMilli(),
	}
	if err := s.local.SetAssignment(ctx, a); err != nil {
		slog.Warn("assignment save failed", "session_id", s.sessionID, "error", err)
	}
	s.mu.Lock()
	s.self = a
	s.mu.Unlock()

	entry := domain.Student{
		ID:        studentID,
		Name:      name,
		Team:      teamID,
		Status:    domain.StatusPending,
		LastSeen:  now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	for _, existing := range roster {
		if existing.ID == studentID {
			entry.Status = existing.Status
			entry.Response = existing.Response
		}
	}
	merged := domain.MergeStudents(roster, []domain.Student{entry}, now)
	if err := s.local.SetStudents(ctx, s.sessionID, merged); err != nil {
		slog.Warn("roster save failed", "session_id", s.sessionID, "error", err)
	}
	if err := s.remote.PushStudents(ctx, s.sessionID, merged); err != nil {
		slog.Warn("roster push failed", "session_id", s.sessionID, "student_id", studentID, "error", err)
	}
	slog.Info("student joined", "session_id", s.sessionID, "student_id", studentID, "team_id", teamID)
	return a, nil
}

func reclaim(roster []domain.Student, name, teamID string) string {
	for _, st := range roster {
		if strings.EqualFold(strings.TrimSpace(st.Name), name) && st.Team == teamID {
			return st.ID
		}
	}
	return ""
}

// SubmitAnswer sends text for questionID under the joined identity. An empty
// questionID lets the server pick the session's first question.
func (s *Student) SubmitAnswer(ctx context.Context, questionID, text string) (domain.Answer, error) {
	self, ok := s.Assignment()
	if !ok {
		return domain.Answer{}, &domain.ValidationError{Field: "studentId", Reason: "join the session first"}
	}
	sub := domain.AnswerSubmission{
		StudentID:   self.StudentID,
		StudentName: self.Name,
		TeamID:      self.TeamID,
		Text:        text,
		QuestionID:  questionID,
	}
	if err := sub.Validate(); err != nil {
		return domain.Answer{}, err
	}
	return s.remote.SubmitAnswer(ctx, s.sessionID, sub)
}

func (s *Student) Heartbeat(ctx context.Context) error {
	self, ok := s.Assignment()
	if !ok {
		return nil
	}
	return s.remote.Heartbeat(ctx, s.sessionID, self.StudentID)
}

// RunHeartbeat reports liveness every interval until ctx is done.
func (s *Student) RunHeartbeat(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultHeartbeat
	}
	Poller{
		Interval: every,
		Sync:     s.Heartbeat,
	}.Run(ctx)
}

// AwaitTeams polls the team list until the host has created at least one
// team or ctx is done.
func (s *Student) AwaitTeams(ctx context.Context, every time.Duration) ([]domain.Team, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found []domain.Team
	Poller{
		Interval: every,
		Sync: func(ctx context.Context) error {
			teams, err := s.remote.Teams(ctx, s.sessionID)
			if err != nil {
				return err
			}
			if len(teams) > 0 {
				found = teams
				cancel()
			}
			return nil
		},
	}.Run(ctx)
	if found == nil {
		return nil, ctx.Err()
	}
	return found, nil
}
