package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"agora-sync/internal/domain"
)

// collectionSync describes how one collection is pushed into the relational
// store after the cache has accepted it.
type collectionSync[T domain.Record] struct {
	table  string
	list   func(ctx context.Context, sessionID string) ([]T, error)
	insert func(ctx context.Context, sessionID string, item T) error
	update func(ctx context.Context, sessionID string, item T) error
	// changed reports whether an upsert needs to rewrite the row.
	changed func(stored, incoming T) bool
	// sameIdentity matches a conflicting row after a unique violation.
	sameIdentity func(stored, incoming T) bool
	// patch runs for existing rows in additive mode; nil means leave them alone.
	patch func(ctx context.Context, sessionID string, stored, incoming T) error
}

// syncRelational diffs items against the stored rows by id. New ids are
// inserted; existing rows are only touched by the mode-specific path. Rows are
// never deleted. Every failure is logged and swallowed.
func syncRelational[T domain.Record](ctx context.Context, s *SessionService, sessionID string, items []T, c collectionSync[T]) {
	if !s.store.Configured() {
		return
	}
	if err := s.store.EnsureSession(ctx, sessionID); err != nil {
		s.logStoreErr("ensure session", sessionID, err)
		return
	}
	stored, err := c.list(ctx, sessionID)
	if err != nil {
		s.logStoreErr("list "+c.table, sessionID, err)
		return
	}
	byID := make(map[string]T, len(stored))
	for _, row := range stored {
		byID[row.Key()] = row
	}

	for _, item := range items {
		existing, ok := byID[item.Key()]
		switch {
		case !ok:
			err = c.insert(ctx, sessionID, item)
			if errors.Is(err, domain.ErrDuplicate) {
				err = resolveDuplicate(ctx, sessionID, item, c)
			}
		case s.mode == WriteModeUpsert:
			if c.changed(existing, item) {
				err = c.update(ctx, sessionID, item)
			}
		case c.patch != nil:
			err = c.patch(ctx, sessionID, existing, item)
		}
		if err != nil {
			s.logStoreErr("write "+c.table, sessionID, err)
			err = nil
		}
	}
}

// resolveDuplicate re-reads the table after a unique violation and accepts the
// conflicting row when it is the same entity under a different id.
func resolveDuplicate[T domain.Record](ctx context.Context, sessionID string, item T, c collectionSync[T]) error {
	rows, err := c.list(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if c.sameIdentity(row, item) {
			slog.Debug("duplicate resolved to existing row", "table", c.table, "session_id", sessionID,
				"id", item.Key(), "existing_id", row.Key())
			return nil
		}
	}
	return domain.ErrDuplicate
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (s *SessionService) teamSync() collectionSync[domain.Team] {
	return collectionSync[domain.Team]{
		table:  domain.TableTeams,
		list:   s.store.ListTeams,
		insert: s.store.InsertTeam,
		update: s.store.UpdateTeam,
		changed: func(stored, incoming domain.Team) bool {
			return stored.Name != incoming.Name || stored.Emblem != incoming.Emblem || stored.Color != incoming.Color
		},
		sameIdentity: func(stored, incoming domain.Team) bool { return sameName(stored.Name, incoming.Name) },
	}
}

func (s *SessionService) studentSync() collectionSync[domain.Student] {
	statusChanged := func(stored, incoming domain.Student) bool {
		return stored.Status != incoming.Status || stored.Response != incoming.Response || stored.LastSeen != incoming.LastSeen
	}
	return collectionSync[domain.Student]{
		table:  domain.TableUsers,
		list:   s.store.ListStudents,
		insert: s.store.InsertStudent,
		update: s.store.UpdateStudent,
		changed: func(stored, incoming domain.Student) bool {
			return statusChanged(stored, incoming) || stored.Name != incoming.Name || stored.Team != incoming.Team
		},
		sameIdentity: func(stored, incoming domain.Student) bool { return sameName(stored.Name, incoming.Name) },
		patch: func(ctx context.Context, sessionID string, stored, incoming domain.Student) error {
			if !statusChanged(stored, incoming) {
				return nil
			}
			return s.store.UpdateStudentStatus(ctx, sessionID, incoming.ID, incoming.Status, incoming.Response, incoming.LastSeen)
		},
	}
}

func (s *SessionService) questionSync() collectionSync[domain.Question] {
	return collectionSync[domain.Question]{
		table:  domain.TableQuestions,
		list:   s.store.ListQuestions,
		insert: s.store.InsertQuestion,
		update: s.store.UpdateQuestion,
		changed: func(stored, incoming domain.Question) bool {
			return stored.Text != incoming.Text || stored.Level != incoming.Level || stored.OrderIndex != incoming.OrderIndex
		},
		sameIdentity: func(stored, incoming domain.Question) bool {
			return stored.Level == incoming.Level && strings.TrimSpace(stored.Text) == strings.TrimSpace(incoming.Text)
		},
	}
}

// WriteTeams replaces the cached team list and syncs it to the store.
func (s *SessionService) WriteTeams(ctx context.Context, sessionID string, teams []domain.Team) ([]domain.Team, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	if err := domain.ValidateTeams(teams); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(sessionID)
	err := s.cache.SetTeams(ctx, sessionID, teams)
	unlock()
	if err != nil {
		return nil, err
	}
	s.touch(ctx, sessionID)
	syncRelational(ctx, s, sessionID, teams, s.teamSync())
	s.publish(ctx, sessionID, domain.TableTeams)
	return teams, nil
}

// WriteStudents replaces the cached roster and syncs it to the store. A
// cached record stamped newer than its incoming copy survives the write, so a
// client holding a stale roster cannot undo an answer it has not seen.
func (s *SessionService) WriteStudents(ctx context.Context, sessionID string, students []domain.Student) ([]domain.Student, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	students, err := domain.NormalizeStudents(students)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(sessionID)
	if current, ok, err := s.cache.Students(ctx, sessionID); err == nil && ok {
		students = domain.KeepNewerStudents(current, students)
	}
	now := s.now()
	for i := range students {
		students[i] = students[i].WithLiveness(now)
	}
	err = s.cache.SetStudents(ctx, sessionID, students)
	unlock()
	if err != nil {
		return nil, err
	}
	s.touch(ctx, sessionID)
	syncRelational(ctx, s, sessionID, students, s.studentSync())
	s.publish(ctx, sessionID, domain.TableUsers)
	return students, nil
}

// WriteQuestions replaces the cached question list and syncs it to the store.
func (s *SessionService) WriteQuestions(ctx context.Context, sessionID string, questions []domain.Question) ([]domain.Question, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuestions(questions); err != nil {
		return nil, err
	}
	if err := s.cache.SetQuestions(ctx, sessionID, questions); err != nil {
		return nil, err
	}
	s.touch(ctx, sessionID)
	syncRelational(ctx, s, sessionID, questions, s.questionSync())
	s.publish(ctx, sessionID, domain.TableQuestions)
	return questions, nil
}

// WriteSettings overwrites the session settings in both tiers.
func (s *SessionService) WriteSettings(ctx context.Context, sessionID string, settings domain.Settings) (domain.Settings, error) {
	if err := requireSession(sessionID); err != nil {
		return domain.Settings{}, err
	}
	settings, err := domain.NormalizeSettings(settings)
	if err != nil {
		return domain.Settings{}, err
	}
	if err := s.cache.SetSettings(ctx, sessionID, settings); err != nil {
		return domain.Settings{}, err
	}
	s.touch(ctx, sessionID)
	if err := s.store.SaveSettings(ctx, sessionID, settings); err != nil {
		s.logStoreErr("save settings", sessionID, err)
	}
	s.publish(ctx, sessionID, domain.TableSessions)
	return settings, nil
}

// DeleteTeam removes one team and unassigns its members. Students stay on
// the roster.
func (s *SessionService) DeleteTeam(ctx context.Context, sessionID, teamID string) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	if err := s.removeTeamFromCache(ctx, sessionID, teamID); err != nil {
		return err
	}
	s.touch(ctx, sessionID)
	if err := s.store.DeleteTeam(ctx, sessionID, teamID); err != nil {
		s.logStoreErr("delete team", sessionID, err)
	}
	s.publish(ctx, sessionID, domain.TableTeams)
	s.publish(ctx, sessionID, domain.TableUsers)
	return nil
}

func (s *SessionService) removeTeamFromCache(ctx context.Context, sessionID, teamID string) error {
	defer s.locks.lock(sessionID)()

	teams, err := cachedOrRead(ctx, sessionID, domain.TableTeams, s.cache.Teams, s.ReadTeams)
	if err != nil {
		return err
	}
	kept := make([]domain.Team, 0, len(teams))
	for _, t := range teams {
		if t.ID != teamID {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(teams) {
		return domain.ErrTeamNotFound
	}
	students, err := cachedOrRead(ctx, sessionID, domain.TableUsers, s.cache.Students, s.ReadStudents)
	if err != nil {
		return err
	}
	if err := s.cache.SetTeams(ctx, sessionID, kept); err != nil {
		return err
	}
	return s.cache.SetStudents(ctx, sessionID, domain.ClearTeam(students, teamID, s.now()))
}

// DeleteStudent removes one roster entry.
func (s *SessionService) DeleteStudent(ctx context.Context, sessionID, studentID string) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	err := s.withCachedStudents(ctx, sessionID, func(students []domain.Student) ([]domain.Student, error) {
		kept := make([]domain.Student, 0, len(students))
		for _, st := range students {
			if st.ID != studentID {
				kept = append(kept, st)
			}
		}
		if len(kept) == len(students) {
			return nil, domain.ErrStudentNotFound
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	s.touch(ctx, sessionID)
	if err := s.store.DeleteStudent(ctx, sessionID, studentID); err != nil {
		s.logStoreErr("delete student", sessionID, err)
	}
	s.publish(ctx, sessionID, domain.TableUsers)
	return nil
}

// Heartbeat records that a student is still connected.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID, studentID string) (domain.Student, error) {
	if err := requireSession(sessionID); err != nil {
		return domain.Student{}, err
	}
	now := s.now()
	var st domain.Student
	err := s.withCachedStudents(ctx, sessionID, func(students []domain.Student) ([]domain.Student, error) {
		for i := range students {
			if students[i].ID == studentID {
				students[i].LastSeen = now.UnixMilli()
				students[i] = students[i].WithLiveness(now)
				st = students[i]
				return students, nil
			}
		}
		return nil, domain.ErrStudentNotFound
	})
	if err != nil {
		return domain.Student{}, err
	}
	s.touch(ctx, sessionID)
	if err := s.store.UpdateStudentStatus(ctx, sessionID, st.ID, st.Status, st.Response, st.LastSeen); err != nil {
		s.logStoreErr("heartbeat", sessionID, err)
	}
	s.publish(ctx, sessionID, domain.TableUsers)
	return st, nil
}

// withCachedStudents runs one locked read-modify-write of the cached roster.
func (s *SessionService) withCachedStudents(ctx context.Context, sessionID string, modify func([]domain.Student) ([]domain.Student, error)) error {
	defer s.locks.lock(sessionID)()

	students, err := cachedOrRead(ctx, sessionID, domain.TableUsers, s.cache.Students, s.ReadStudents)
	if err != nil {
		return err
	}
	students, err = modify(students)
	if err != nil {
		return err
	}
	return s.cache.SetStudents(ctx, sessionID, students)
}
