package domain

import (
	"sort"
	"time"
)

// Record is anything reconcilable by id. Version is a Unix-millisecond stamp;
// zero means the writer did not stamp the record.
type Record interface {
	Key() string
	Version() int64
}

func (t Team) Key() string { return t.ID }

func (t Team) Version() int64 { return t.UpdatedAt }

func (s Student) Key() string { return s.ID }

// Version falls back to the last heartbeat for rosters written before stamping.
func (s Student) Version() int64 {
	if s.UpdatedAt != 0 {
		return s.UpdatedAt
	}
	return s.LastSeen
}

func (q Question) Key() string { return q.ID }

func (q Question) Version() int64 { return q.UpdatedAt }

func (a Answer) Key() string { return a.ID }

func (a Answer) Version() int64 {
	if a.Timestamp.IsZero() {
		return 0
	}
	return a.Timestamp.UnixMilli()
}

// MergeByID reconciles a freshly fetched remote collection into local state:
// remote records with a known id overwrite the local one in place, unknown ids
// are appended in remote order. A remote record never replaces a local record
// that carries a strictly newer version; unstamped records always overwrite.
// Local records absent from remote are kept.
func MergeByID[T Record](local, remote []T) []T {
	out := make([]T, len(local), len(local)+len(remote))
	copy(out, local)
	index := make(map[string]int, len(local))
	for i, r := range out {
		index[r.Key()] = i
	}
	for _, r := range remote {
		i, ok := index[r.Key()]
		if !ok {
			index[r.Key()] = len(out)
			out = append(out, r)
			continue
		}
		if stale(r.Version(), out[i].Version()) {
			continue
		}
		out[i] = r
	}
	return out
}

func stale(remote, local int64) bool {
	return remote != 0 && local != 0 && remote < local
}

// KeepNewerStudents returns incoming, except that a record whose current
// counterpart carries a strictly newer UpdatedAt stamp is replaced by it.
// Records present only in current are dropped. LastSeen does not count, so a
// heartbeat never outranks an edit.
func KeepNewerStudents(current, incoming []Student) []Student {
	byID := make(map[string]Student, len(current))
	for _, c := range current {
		byID[c.ID] = c
	}
	out := make([]Student, len(incoming))
	for i, in := range incoming {
		if c, ok := byID[in.ID]; ok && stale(in.UpdatedAt, c.UpdatedAt) {
			out[i] = c
			continue
		}
		out[i] = in
	}
	return out
}

// MergeStudents merges a remote roster and recomputes liveness locally,
// since isOnline is derived and never trusted from the wire.
func MergeStudents(local, remote []Student, now time.Time) []Student {
	merged := MergeByID(local, remote)
	for i := range merged {
		merged[i] = merged[i].WithLiveness(now)
	}
	return merged
}

// MergeAnswersIntoStudents folds the answer log into the roster: the latest
// answer of each student becomes its response and marks it answered. A
// student known only from the answer log is appended.
func MergeAnswersIntoStudents(students []Student, answers []Answer, now time.Time) []Student {
	ordered := make([]Answer, len(answers))
	copy(ordered, answers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	out := make([]Student, len(students))
	copy(out, students)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.ID] = i
	}
	for _, a := range ordered {
		if a.StudentID == "" {
			continue
		}
		i, ok := index[a.StudentID]
		if !ok {
			index[a.StudentID] = len(out)
			out = append(out, Student{
				ID:       a.StudentID,
				Name:     a.StudentName,
				Team:     a.TeamID,
				Status:   StatusAnswered,
				Response: a.Text,
				LastSeen: a.Timestamp.UnixMilli(),
			})
			continue
		}
		out[i].Response = a.Text
		if out[i].Status != StatusSubmitted {
			out[i].Status = StatusAnswered
		}
	}
	for i := range out {
		out[i] = out[i].WithLiveness(now)
	}
	return out
}

// ClearTeam unassigns every student on teamID. Students are never deleted
// along with their team.
func ClearTeam(students []Student, teamID string, now time.Time) []Student {
	out := make([]Student, len(students))
	for i, s := range students {
		if s.Team == teamID {
			s.Team = ""
			s.UpdatedAt = now.UnixMilli()
		}
		out[i] = s
	}
	return out
}
