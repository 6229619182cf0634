package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"agora-sync/internal/app"
	"agora-sync/internal/domain"
	"agora-sync/internal/infra/postgres"
	pgmigrations "agora-sync/internal/infra/postgres/migrations"
	infraredis "agora-sync/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun/migrate"
)

func TestSessionServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := postgres.Open(pgURL)
	defer db.Close()
	runMigrations(t, ctx, pgURL)

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	store := postgres.NewStore(db)
	service := app.NewSessionService(
		infraredis.NewSessionCache(redisClient, 5*time.Minute),
		app.NewGuardedStore(store, 5*time.Second),
		infraredis.NewNotifier(redisClient),
	)

	const sid = "s-integration"
	if _, err := service.WriteTeams(ctx, sid, []domain.Team{{ID: "a", Name: "Academy"}, {ID: "b", Name: "Lyceum"}}); err != nil {
		t.Fatalf("write teams: %v", err)
	}
	if _, err := service.WriteTeams(ctx, sid, []domain.Team{{ID: "a", Name: "Academy"}, {ID: "b", Name: "Stoa"}, {ID: "c", Name: "Garden"}}); err != nil {
		t.Fatalf("write teams: %v", err)
	}
	rows, err := store.ListTeams(ctx, sid)
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected additive merge to keep a, b and add c, got %+v", rows)
	}
	for _, r := range rows {
		if r.ID == "b" && r.Name != "Lyceum" {
			t.Fatalf("expected additive mode not to propagate rename, got %+v", r)
		}
	}

	// Same name under a new id resolves to the existing row.
	if err := store.InsertTeam(ctx, sid, domain.Team{ID: "dup", Name: "Academy"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := service.WriteStudents(ctx, sid, []domain.Student{{ID: "h", Name: "Helena", Team: "a"}}); err != nil {
		t.Fatalf("write students: %v", err)
	}
	answer, err := service.SubmitAnswer(ctx, sid, domain.AnswerSubmission{
		StudentID:   "h",
		StudentName: "Helena",
		TeamID:      "a",
		Text:        "Virtue is sufficient.",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if answer.QuestionID != "default-question" {
		t.Fatalf("expected default question, got %s", answer.QuestionID)
	}

	answers, err := store.ListAnswers(ctx, sid)
	if err != nil || len(answers) != 1 || answers[0].Text != "Virtue is sufficient." {
		t.Fatalf("expected persisted answer, got %+v err=%v", answers, err)
	}
	students, err := store.ListStudents(ctx, sid)
	if err != nil || len(students) != 1 || students[0].Status != domain.StatusAnswered {
		t.Fatalf("expected answered student row, got %+v err=%v", students, err)
	}

	if _, err := service.Reset(ctx, sid, app.ResetRequest{Confirm: true}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap, err := service.ReadSession(ctx, sid)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if len(snap.Teams)+len(snap.Students)+len(snap.Questions) != 0 {
		t.Fatalf("expected empty session after reset, got %+v", snap)
	}
	if rows, _ := store.ListTeams(ctx, sid); len(rows) != 0 {
		t.Fatalf("expected relational rows removed, got %+v", rows)
	}
}

func TestRowChangesReachSubscribers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	runMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	notifier := &collectingPublisher{changes: make(chan domain.Change, 16)}
	go func() { _ = postgres.NewListener(pool, notifier).Run(ctx) }()

	db := postgres.Open(pgURL)
	defer db.Close()
	store := postgres.NewStore(db)

	// Keep writing until the listener has issued LISTEN.
	deadline := time.After(30 * time.Second)
	for i := 0; ; i++ {
		if err := store.EnsureSession(ctx, "s1"); err != nil {
			t.Fatalf("ensure session: %v", err)
		}
		if err := store.InsertTeam(ctx, "s1", domain.Team{ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("Team %d", i)}); err != nil {
			t.Fatalf("insert team: %v", err)
		}
		select {
		case change := <-notifier.changes:
			if change.SessionID != "s1" {
				t.Fatalf("unexpected change %+v", change)
			}
			if change.Table == domain.TableTeams {
				return
			}
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no change notification received")
		}
	}
}

type collectingPublisher struct {
	changes chan domain.Change
}

func (p *collectingPublisher) Publish(_ context.Context, change domain.Change) error {
	select {
	case p.changes <- change:
	default:
	}
	return nil
}

func runMigrations(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	db := postgres.Open(dsn)
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "agora", "POSTGRES_PASSWORD": "agorapass", "POSTGRES_DB": "agora"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://agora:agorapass@%s:%s/agora?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(context.Background())
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(context.Background())
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
