package client

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"agora-sync/internal/client/localstore"
	"agora-sync/internal/domain"
)

func TestUpdatesAreReadableWhileOffline(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{fail: errOffline}
	local := localstore.NewDurable(localstore.NewMemory())
	c := NewController(local, remote, WithDebounce(time.Hour))

	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	c.UpdateStudents(ctx, []domain.Student{{ID: "h", Name: "Helena", Team: "stoic", Status: domain.StatusPending}})
	c.UpdateQuestions(ctx, []domain.Question{{ID: "q1", Text: "What is virtue?", Level: domain.LevelEasy}})
	level := domain.LevelHard
	c.UpdateSettings(ctx, SettingsPatch{CurrentLevel: &level})
	c.Flush(ctx)

	got, ok := c.Session()
	if !ok {
		t.Fatalf("expected a session")
	}
	if len(got.Teams) != 1 || len(got.Students) != 1 || len(got.Questions) != 1 {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.Settings.CurrentLevel != domain.LevelHard || got.Settings.IsRunning {
		t.Fatalf("expected partial settings merge, got %+v", got.Settings)
	}

	stored, ok := local.LoadSession(ctx)
	if !ok || !reflect.DeepEqual(stored, got) {
		t.Fatalf("expected durable copy to match, got %+v", stored)
	}
}

func TestInitSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	local := localstore.NewDurable(localstore.NewMemory())
	c := NewController(local, &fakeRemote{})

	first := c.InitSession(ctx, "s1")
	second := c.InitSession(ctx, "s1")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected equal sessions, got %+v and %+v", first, second)
	}

	// A fresh controller on the same device adopts the stored aggregate.
	third := NewController(local, &fakeRemote{}).InitSession(ctx, "s1")
	if !reflect.DeepEqual(first, third) {
		t.Fatalf("expected stored session adopted, got %+v", third)
	}
}

func TestInitSessionGeneratesID(t *testing.T) {
	ctx := context.Background()
	c := NewController(localstore.NewDurable(localstore.NewMemory()), &fakeRemote{})
	s := c.InitSession(ctx, "")
	if len(s.ID) < 2 || s.ID[0] != 's' {
		t.Fatalf("unexpected generated id %q", s.ID)
	}
	if s.Settings != domain.DefaultSettings() {
		t.Fatalf("expected default settings, got %+v", s.Settings)
	}
}

func TestPushesAreDebounced(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(20*time.Millisecond))
	c.InitSession(ctx, "s1")

	for i := 0; i < 5; i++ {
		c.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	}
	deadline := time.Now().Add(2 * time.Second)
	for remote.pushCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := remote.pushCount(); n != 1 {
		t.Fatalf("expected one coalesced push, got %d", n)
	}
}

func TestUnchangedRecordsKeepTheirVersion(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	c := NewController(localstore.NewDurable(localstore.NewMemory()), &fakeRemote{},
		WithDebounce(time.Hour), WithControllerClock(func() time.Time { return now }))
	c.InitSession(ctx, "s1")

	c.UpdateTeams(ctx, []domain.Team{{ID: "a", Name: "Academy"}, {ID: "b", Name: "Lyceum"}})
	now = time.UnixMilli(2_000)
	s := c.UpdateTeams(ctx, []domain.Team{{ID: "a", Name: "Academy"}, {ID: "b", Name: "Stoa"}})

	if s.Teams[0].UpdatedAt != 1_000 {
		t.Fatalf("expected unchanged team to keep version, got %d", s.Teams[0].UpdatedAt)
	}
	if s.Teams[1].UpdatedAt != 2_000 {
		t.Fatalf("expected renamed team to be restamped, got %d", s.Teams[1].UpdatedAt)
	}
}

func TestLoadFromAPIFailureKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{fail: errOffline}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic"}})

	if _, ok := c.LoadFromAPI(ctx, "s1"); ok {
		t.Fatalf("expected load to fail")
	}
	s, _ := c.Session()
	if len(s.Teams) != 1 {
		t.Fatalf("expected local teams untouched, got %+v", s.Teams)
	}
}

func TestLoadFromAPIReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{
		teams:    []domain.Team{{ID: "remote"}},
		settings: domain.Settings{CurrentLevel: domain.LevelEasy, IsRunning: true},
	}
	local := localstore.NewDurable(localstore.NewMemory())
	c := NewController(local, remote, WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "local"}})

	s, ok := c.LoadFromAPI(ctx, "s1")
	if !ok {
		t.Fatalf("expected load to succeed")
	}
	if len(s.Teams) != 1 || s.Teams[0].ID != "remote" {
		t.Fatalf("expected remote teams to replace local, got %+v", s.Teams)
	}
	if s.Students == nil || len(s.Students) != 0 {
		t.Fatalf("expected empty roster, got %+v", s.Students)
	}
	if stored, _ := local.LoadSession(ctx); stored.Settings.CurrentLevel != domain.LevelEasy {
		t.Fatalf("expected loaded session persisted, got %+v", stored)
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic"}})

	if _, err := c.Reset(ctx, ResetOptions{}); !errors.Is(err, domain.ErrResetNotConfirmed) {
		t.Fatalf("expected ErrResetNotConfirmed, got %v", err)
	}
	if remote.resets != 0 {
		t.Fatalf("expected no remote reset")
	}
	if s, _ := c.Session(); len(s.Teams) != 1 {
		t.Fatalf("expected state untouched")
	}
}

func TestResetClearsEveryTier(t *testing.T) {
	ctx := context.Background()
	server, _ := newAPIServer(t)
	api := NewAPIClient(server.URL, nil)
	local := localstore.NewDurable(localstore.NewMemory())
	c := NewController(local, api, WithDebounce(time.Hour))

	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	c.UpdateStudents(ctx, []domain.Student{{ID: "h", Name: "Helena", Team: "stoic"}})
	c.UpdateQuestions(ctx, []domain.Question{{ID: "q1", Text: "What is virtue?", Level: domain.LevelMedium}})
	running := true
	c.UpdateSettings(ctx, SettingsPatch{IsRunning: &running})
	c.Flush(ctx)
	if _, err := api.SubmitAnswer(ctx, "s1", domain.AnswerSubmission{StudentID: "h", Text: "Virtue."}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if teams, _ := api.Teams(ctx, "s1"); len(teams) != 1 {
		t.Fatalf("expected pushed teams on the server, got %+v", teams)
	}

	s, err := c.Reset(ctx, ResetOptions{Confirm: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.ID != "s1" || len(s.Teams) != 0 {
		t.Fatalf("unexpected state after reset %+v", s)
	}

	teams, _ := api.Teams(ctx, "s1")
	students, _ := api.Students(ctx, "s1")
	questions, _ := api.Questions(ctx, "s1")
	answers, _ := api.Answers(ctx, "s1")
	settings, _ := api.Settings(ctx, "s1")
	if len(teams)+len(students)+len(questions)+len(answers) != 0 || settings.IsRunning {
		t.Fatalf("expected empty server state, got %v %v %v %v %+v", teams, students, questions, answers, settings)
	}
	if got, ok := local.Answers(ctx, "s1"); ok && len(got) > 0 {
		t.Fatalf("expected no local answers, got %+v", got)
	}
	if got, ok := local.Students(ctx, "s1"); ok && len(got) > 0 {
		t.Fatalf("expected no local roster, got %+v", got)
	}
}

func TestResetCanRegenerateTheSessionID(t *testing.T) {
	ctx := context.Background()
	server, _ := newAPIServer(t)
	c := NewController(localstore.NewDurable(localstore.NewMemory()), NewAPIClient(server.URL, nil), WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")

	s, err := c.Reset(ctx, ResetOptions{Confirm: true, Regenerate: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.ID == "s1" || s.ID == "" {
		t.Fatalf("expected a new session id, got %q", s.ID)
	}
}

func TestPushCarriesOnlyChangedParts(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")

	level := domain.LevelHard
	c.UpdateSettings(ctx, SettingsPatch{CurrentLevel: &level})
	c.Flush(ctx)
	_, parts, ok := remote.lastPush()
	if !ok || parts != PartSettings {
		t.Fatalf("expected settings-only push, got %08b", parts)
	}

	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	c.UpdateQuestions(ctx, []domain.Question{{ID: "q1", Text: "What is virtue?", Level: domain.LevelEasy}})
	c.Flush(ctx)
	if _, parts, _ := remote.lastPush(); parts != PartTeams|PartQuestions {
		t.Fatalf("expected teams and questions, got %08b", parts)
	}
}

func TestFailedPushStaysPending(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{fail: errOffline}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(time.Hour))
	c.InitSession(ctx, "s1")
	c.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	c.Flush(ctx)

	remote.setFail(nil)
	c.Flush(ctx)
	data, parts, ok := remote.lastPush()
	if !ok || parts != PartTeams || len(data.Teams) != 1 {
		t.Fatalf("expected the failed teams push to be retried, got %+v %08b", data, parts)
	}
}

func TestHostSettingsChangeKeepsLiveRoster(t *testing.T) {
	ctx := context.Background()
	server, _ := newAPIServer(t)
	api := NewAPIClient(server.URL, nil)
	host := NewController(localstore.NewDurable(localstore.NewMemory()), api, WithDebounce(time.Hour))

	host.InitSession(ctx, "s1")
	host.UpdateTeams(ctx, []domain.Team{{ID: "stoic", Name: "Stoics"}})
	host.Flush(ctx)

	student := NewStudent(localstore.NewDurable(localstore.NewMemory()), api, "s1")
	if _, err := student.Join(ctx, "Helena", "stoic"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := student.SubmitAnswer(ctx, "q1", "Virtue is sufficient."); err != nil {
		t.Fatalf("submit: %v", err)
	}

	level := domain.LevelHard
	host.UpdateSettings(ctx, SettingsPatch{CurrentLevel: &level})
	host.Flush(ctx)

	roster, err := api.Students(ctx, "s1")
	if err != nil {
		t.Fatalf("students: %v", err)
	}
	if len(roster) != 1 || roster[0].Status != domain.StatusAnswered || roster[0].Response != "Virtue is sufficient." {
		t.Fatalf("expected the live roster to survive a level change, got %+v", roster)
	}
	if settings, _ := api.Settings(ctx, "s1"); settings.CurrentLevel != domain.LevelHard {
		t.Fatalf("expected level pushed, got %+v", settings)
	}
}

func TestSwitchingSessionsSendsPendingChangesToTheOldSession(t *testing.T) {
	ctx := context.Background()
	server, service := newAPIServer(t)
	api := NewAPIClient(server.URL, nil)
	if _, err := service.WriteTeams(ctx, "B", []domain.Team{{ID: "stoic", Name: "Stoics"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewController(localstore.NewDurable(localstore.NewMemory()), api, WithDebounce(time.Hour))
	c.InitSession(ctx, "A")
	c.UpdateTeams(ctx, []domain.Team{{ID: "epic", Name: "Epicureans"}})
	c.InitSession(ctx, "B")
	c.Flush(ctx)

	teamsA, _ := api.Teams(ctx, "A")
	if len(teamsA) != 1 || teamsA[0].ID != "epic" {
		t.Fatalf("expected the pending edit pushed to A, got %+v", teamsA)
	}
	teamsB, _ := api.Teams(ctx, "B")
	if len(teamsB) != 1 || teamsB[0].ID != "stoic" {
		t.Fatalf("expected B untouched, got %+v", teamsB)
	}
}

func TestSwitchingSessionsCancelsTheDebounceTimer(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	c := NewController(localstore.NewDurable(localstore.NewMemory()), remote, WithDebounce(20*time.Millisecond))
	c.InitSession(ctx, "A")
	c.UpdateTeams(ctx, []domain.Team{{ID: "epic", Name: "Epicureans"}})
	c.InitSession(ctx, "B")

	time.Sleep(80 * time.Millisecond)
	if n := remote.pushCount(); n != 1 {
		t.Fatalf("expected exactly the hand-off push, got %d", n)
	}
	if data, _, _ := remote.lastPush(); data.ID != "A" {
		t.Fatalf("expected the push to target A, got %q", data.ID)
	}
}
