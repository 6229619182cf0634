package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"agora-sync/internal/app"
	"agora-sync/internal/domain"
	"agora-sync/internal/infra/memory"
	transport "agora-sync/internal/transport/http"
)

var errOffline = errors.New("network unreachable")

// fakeRemote records pushes and serves canned collections.
type fakeRemote struct {
	mu        sync.Mutex
	fail      error
	pushes    []domain.SessionData
	parts     []Parts
	teams     []domain.Team
	students  []domain.Student
	questions []domain.Question
	answers   []domain.Answer
	settings  domain.Settings
	resets    int
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRemote) Teams(context.Context, string) ([]domain.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Team(nil), f.teams...), f.fail
}

func (f *fakeRemote) Students(context.Context, string) ([]domain.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Student(nil), f.students...), f.fail
}

func (f *fakeRemote) Questions(context.Context, string) ([]domain.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Question(nil), f.questions...), f.fail
}

func (f *fakeRemote) Answers(context.Context, string) ([]domain.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Answer(nil), f.answers...), f.fail
}

func (f *fakeRemote) Settings(context.Context, string) (domain.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.fail
}

func (f *fakeRemote) PushSession(_ context.Context, data domain.SessionData, parts Parts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.pushes = append(f.pushes, data)
	f.parts = append(f.parts, parts)
	return nil
}

func (f *fakeRemote) lastPush() (domain.SessionData, Parts, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return domain.SessionData{}, 0, false
	}
	return f.pushes[len(f.pushes)-1], f.parts[len(f.parts)-1], true
}

func (f *fakeRemote) PushStudents(_ context.Context, _ string, students []domain.Student) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.students = append([]domain.Student(nil), students...)
	return nil
}

func (f *fakeRemote) SubmitAnswer(context.Context, string, domain.AnswerSubmission) (domain.Answer, error) {
	return domain.Answer{}, f.fail
}

func (f *fakeRemote) Heartbeat(context.Context, string, string) error {
	return f.fail
}

func (f *fakeRemote) Reset(context.Context, string, ResetOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return "", f.fail
}

// newAPIServer runs the real REST and websocket surface over memory tiers.
func newAPIServer(t *testing.T) (*httptest.Server, *app.SessionService) {
	t.Helper()
	notifier := memory.NewNotifier()
	service := app.NewSessionService(memory.NewSessionCache(0), nil, notifier)
	server := httptest.NewServer(transport.NewRouter(service, notifier))
	t.Cleanup(server.Close)
	return server, service
}
