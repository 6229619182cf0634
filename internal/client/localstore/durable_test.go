package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"agora-sync/internal/domain"
)

func TestDurableSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewDurable(NewMemory())

	data := domain.NewSessionData("s1", time.UnixMilli(1_700_000_000_000))
	data.Teams = []domain.Team{{ID: "stoic", Name: "Stoics"}}
	if err := d.SaveSession(ctx, data); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok := d.LoadSession(ctx)
	if !ok || got.ID != "s1" || len(got.Teams) != 1 {
		t.Fatalf("unexpected session %+v ok=%v", got, ok)
	}
	if id, ok := d.HostSessionID(ctx); !ok || id != "s1" {
		t.Fatalf("expected host session id, got %q", id)
	}
	if teams, ok := d.Teams(ctx, "s1"); !ok || teams[0].ID != "stoic" {
		t.Fatalf("expected per-session teams slot, got %+v", teams)
	}
}

func TestDurableMalformedJSONIsAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	d := NewDurable(store)

	_ = store.Set(ctx, KeyCurrentSession, "{not json")
	_ = store.Set(ctx, StudentsKey("s1"), `{"id":"not-an-array"}`)

	if _, ok := d.LoadSession(ctx); ok {
		t.Fatalf("expected malformed session treated as absent")
	}
	if _, ok := d.Students(ctx, "s1"); ok {
		t.Fatalf("expected malformed roster treated as absent")
	}
}

func TestDurableLegacyFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	d := NewDurable(store)
	_ = store.Set(ctx, KeyLegacyStudents, `[{"id":"h","name":"Helena"}]`)

	students, ok := d.Students(ctx, "s1")
	if !ok || len(students) != 1 || students[0].Name != "Helena" {
		t.Fatalf("expected legacy roster, got %+v ok=%v", students, ok)
	}
}

func TestDurableClearSession(t *testing.T) {
	ctx := context.Background()
	d := NewDurable(NewMemory())

	data := domain.NewSessionData("s1", time.Now())
	data.Students = []domain.Student{{ID: "h"}}
	_ = d.SaveSession(ctx, data)
	_ = d.SetAnswers(ctx, "s1", []domain.Answer{{ID: "a1"}})
	_ = d.SetAssignment(ctx, domain.Assignment{StudentID: "h", SessionID: "s1"})

	if err := d.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := d.LoadSession(ctx); ok {
		t.Fatalf("expected aggregate removed")
	}
	if _, ok := d.Students(ctx, "s1"); ok {
		t.Fatalf("expected roster removed")
	}
	if _, ok := d.Answers(ctx, "s1"); ok {
		t.Fatalf("expected answers removed")
	}
	if _, ok := d.Assignment(ctx); ok {
		t.Fatalf("expected assignment removed")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(ctx, KeyHostSessionID, "s1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, KeyHostSessionID, "s2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_ = store.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, KeyHostSessionID)
	if err != nil || !ok || v != "s2" {
		t.Fatalf("unexpected value %q ok=%v err=%v", v, ok, err)
	}
	if err := reopened.Remove(ctx, KeyHostSessionID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := reopened.Get(ctx, KeyHostSessionID); ok {
		t.Fatalf("expected key removed")
	}
}
