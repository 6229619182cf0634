package domain

import (
	"testing"
	"time"
)

func TestMergeByIDAppendsAndOverwrites(t *testing.T) {
	local := []Team{
		{ID: "plato", Name: "The Platonists"},
		{ID: "stoic", Name: "Stoics"},
	}
	remote := []Team{
		{ID: "stoic", Name: "The Stoics"},
		{ID: "epicurean", Name: "The Epicureans"},
	}

	merged := MergeByID(local, remote)
	if len(merged) != 3 {
		t.Fatalf("expected 3 teams, got %d", len(merged))
	}
	if merged[1].Name != "The Stoics" {
		t.Fatalf("expected remote name to overwrite, got %q", merged[1].Name)
	}
	if merged[2].ID != "epicurean" {
		t.Fatalf("expected new team appended last, got %+v", merged[2])
	}
	if merged[0].ID != "plato" {
		t.Fatalf("expected local-only team kept, got %+v", merged[0])
	}
}

func TestMergeByIDIgnoresOlderRemote(t *testing.T) {
	local := []Team{{ID: "stoic", Name: "Renamed", UpdatedAt: 2000}}
	remote := []Team{{ID: "stoic", Name: "Old name", UpdatedAt: 1000}}

	merged := MergeByID(local, remote)
	if merged[0].Name != "Renamed" {
		t.Fatalf("expected newer local record to survive, got %q", merged[0].Name)
	}

	unstamped := MergeByID(local, []Team{{ID: "stoic", Name: "Unstamped"}})
	if unstamped[0].Name != "Unstamped" {
		t.Fatalf("expected unstamped remote to overwrite, got %q", unstamped[0].Name)
	}
}

func TestMergeStudentsRecomputesLiveness(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	remote := []Student{
		{ID: "a", Name: "Helena", LastSeen: now.Add(-10 * time.Second).UnixMilli(), IsOnline: false},
		{ID: "b", Name: "Marcus", LastSeen: now.Add(-31 * time.Second).UnixMilli(), IsOnline: true},
	}

	merged := MergeStudents(nil, remote, now)
	if !merged[0].IsOnline {
		t.Fatalf("expected Helena online")
	}
	if merged[1].IsOnline {
		t.Fatalf("expected Marcus offline")
	}
}

func TestMergeAnswersIntoStudentsUsesLatestAnswer(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	students := []Student{{ID: "s1", Name: "Helena", Team: "stoic", Status: StatusPending}}
	answers := []Answer{
		{ID: "a2", StudentID: "s1", Text: "Virtue is sufficient.", Timestamp: now.Add(-time.Second)},
		{ID: "a1", StudentID: "s1", Text: "first draft", Timestamp: now.Add(-time.Minute)},
		{ID: "a3", StudentID: "s9", StudentName: "Sophia", TeamID: "plato", Text: "Forms", Timestamp: now},
	}

	merged := MergeAnswersIntoStudents(students, answers, now)
	if len(merged) != 2 {
		t.Fatalf("expected answer-only student appended, got %d students", len(merged))
	}
	if merged[0].Response != "Virtue is sufficient." || merged[0].Status != StatusAnswered {
		t.Fatalf("unexpected Helena record %+v", merged[0])
	}
	if merged[1].Name != "Sophia" || merged[1].Team != "plato" || !merged[1].IsOnline {
		t.Fatalf("unexpected Sophia record %+v", merged[1])
	}
}

func TestMergeAnswersKeepsSubmittedStatus(t *testing.T) {
	now := time.Now()
	students := []Student{{ID: "s1", Status: StatusSubmitted}}
	merged := MergeAnswersIntoStudents(students, []Answer{{ID: "a", StudentID: "s1", Text: "x", Timestamp: now}}, now)
	if merged[0].Status != StatusSubmitted {
		t.Fatalf("expected submitted status kept, got %s", merged[0].Status)
	}
}

func TestClearTeamUnassignsMembers(t *testing.T) {
	now := time.Now()
	students := []Student{{ID: "a", Team: "stoic"}, {ID: "b", Team: "plato"}}
	out := ClearTeam(students, "stoic", now)
	if out[0].Team != "" || out[0].UpdatedAt != now.UnixMilli() {
		t.Fatalf("expected a unassigned, got %+v", out[0])
	}
	if out[1].Team != "plato" {
		t.Fatalf("expected b untouched, got %+v", out[1])
	}
	if students[0].Team != "stoic" {
		t.Fatalf("input slice must not be modified")
	}
}

func TestKeepNewerStudents(t *testing.T) {
	current := []Student{
		{ID: "h", Name: "Helena", Status: StatusAnswered, Response: "Virtue.", UpdatedAt: 2_000},
		{ID: "m", Name: "Marcus", LastSeen: 9_000, UpdatedAt: 1_000},
		{ID: "gone", Name: "Zeno"},
	}
	incoming := []Student{
		{ID: "h", Name: "Helena", Status: StatusPending, UpdatedAt: 1_500},
		{ID: "m", Name: "Marcus", Team: "stoic", UpdatedAt: 5_000},
		{ID: "new", Name: "Seneca"},
	}

	got := KeepNewerStudents(current, incoming)
	if len(got) != 3 {
		t.Fatalf("expected incoming membership, got %+v", got)
	}
	if got[0].Status != StatusAnswered || got[0].Response != "Virtue." {
		t.Fatalf("expected newer cached record kept, got %+v", got[0])
	}
	if got[1].Team != "stoic" {
		t.Fatalf("expected edit newer than the last heartbeat applied, got %+v", got[1])
	}
	if got[2].ID != "new" {
		t.Fatalf("expected new record appended, got %+v", got[2])
	}

	unstamped := KeepNewerStudents(current, []Student{{ID: "h", Name: "Helena"}})
	if unstamped[0].Status != "" {
		t.Fatalf("expected unstamped record to overwrite, got %+v", unstamped[0])
	}
}
