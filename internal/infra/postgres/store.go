package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agora-sync/internal/domain"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Store is the relational tier, backed by Postgres through bun.
type Store struct {
	db *bun.DB
}

// Open connects a bun DB over pgdriver. The caller owns Close.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

// mapErr translates unique violations into domain.ErrDuplicate.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == uniqueViolation {
		return fmt.Errorf("%s: %w", op, domain.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	row := &sessionRow{ID: sessionID, CurrentLevel: string(domain.LevelMedium)}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	return mapErr("ensure session", err)
}

// DeleteSession removes the session row; every child row goes with it.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.NewDelete().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exec(ctx)
	return mapErr("delete session", err)
}

func (s *Store) ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	var rows []teamRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr("list teams", err)
	}
	out := make([]domain.Team, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) InsertTeam(ctx context.Context, sessionID string, team domain.Team) error {
	row := newTeamRow(sessionID, team)
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return mapErr("insert team", err)
}

func (s *Store) UpdateTeam(ctx context.Context, sessionID string, team domain.Team) error {
	row := newTeamRow(sessionID, team)
	res, err := s.db.NewUpdate().Model(&row).
		Column("name", "emblem", "color", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapErr("update team", err)
	}
	return requireRow(res, domain.ErrTeamNotFound)
}

// DeleteTeam unassigns the team's members and removes the team in one transaction.
func (s *Store) DeleteTeam(ctx context.Context, sessionID, teamID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*userRow)(nil)).
			Set("team_id = NULL").
			Where("session_id = ? AND team_id = ?", sessionID, teamID).
			Exec(ctx)
		if err != nil {
			return mapErr("unassign team members", err)
		}
		res, err := tx.NewDelete().Model((*teamRow)(nil)).
			Where("session_id = ? AND id = ?", sessionID, teamID).
			Exec(ctx)
		if err != nil {
			return mapErr("delete team", err)
		}
		return requireRow(res, domain.ErrTeamNotFound)
	})
}

func (s *Store) ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error) {
	var rows []userRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr("list users", err)
	}
	out := make([]domain.Student, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) InsertStudent(ctx context.Context, sessionID string, student domain.Student) error {
	row := newUserRow(sessionID, student)
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return mapErr("insert user", err)
}

func (s *Store) UpdateStudent(ctx context.Context, sessionID string, student domain.Student) error {
	row := newUserRow(sessionID, student)
	res, err := s.db.NewUpdate().Model(&row).
		Column("name", "team_id", "status", "response", "last_seen", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapErr("update user", err)
	}
	return requireRow(res, domain.ErrStudentNotFound)
}

func (s *Store) UpdateStudentStatus(ctx context.Context, sessionID, studentID string, status domain.StudentStatus, response string, lastSeen int64) error {
	res, err := s.db.NewUpdate().Model((*userRow)(nil)).
		Set("status = ?", string(status)).
		Set("response = ?", response).
		Set("last_seen = ?", lastSeen).
		Where("session_id = ? AND id = ?", sessionID, studentID).
		Exec(ctx)
	if err != nil {
		return mapErr("update user status", err)
	}
	return requireRow(res, domain.ErrStudentNotFound)
}

func (s *Store) DeleteStudent(ctx context.Context, sessionID, studentID string) error {
	res, err := s.db.NewDelete().Model((*userRow)(nil)).
		Where("session_id = ? AND id = ?", sessionID, studentID).
		Exec(ctx)
	if err != nil {
		return mapErr("delete user", err)
	}
	return requireRow(res, domain.ErrStudentNotFound)
}

func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	var rows []questionRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("order_index ASC", "created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr("list questions", err)
	}
	out := make([]domain.Question, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) InsertQuestion(ctx context.Context, sessionID string, question domain.Question) error {
	row := newQuestionRow(sessionID, question)
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return mapErr("insert question", err)
}

func (s *Store) UpdateQuestion(ctx context.Context, sessionID string, question domain.Question) error {
	row := newQuestionRow(sessionID, question)
	_, err := s.db.NewUpdate().Model(&row).
		Column("text", "level", "order_index", "updated_at").
		WherePK().
		Exec(ctx)
	return mapErr("update question", err)
}

func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	var rows []answerRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr("list answers", err)
	}
	out := make([]domain.Answer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) InsertAnswer(ctx context.Context, sessionID string, answer domain.Answer) error {
	row := newAnswerRow(sessionID, answer)
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return mapErr("insert answer", err)
}

func (s *Store) ReviewAnswer(ctx context.Context, sessionID, answerID string, review domain.AnswerReview) error {
	q := s.db.NewUpdate().Model((*answerRow)(nil)).
		Where("session_id = ? AND id = ?", sessionID, answerID)
	if review.Rating != nil {
		q = q.Set("rating = ?", *review.Rating)
	}
	if review.Highlighted != nil {
		q = q.Set("highlighted = ?", *review.Highlighted)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return mapErr("review answer", err)
	}
	return requireRow(res, domain.ErrAnswerNotFound)
}

func (s *Store) GetSettings(ctx context.Context, sessionID string) (domain.Settings, bool, error) {
	var row sessionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, false, nil
	}
	if err != nil {
		return domain.Settings{}, false, mapErr("get settings", err)
	}
	return domain.Settings{CurrentLevel: domain.Level(row.CurrentLevel), IsRunning: row.IsRunning}, true, nil
}

func (s *Store) SaveSettings(ctx context.Context, sessionID string, settings domain.Settings) error {
	row := &sessionRow{ID: sessionID, CurrentLevel: string(settings.CurrentLevel), IsRunning: settings.IsRunning}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("current_level = EXCLUDED.current_level").
		Set("is_running = EXCLUDED.is_running").
		Set("updated_at = now()").
		Exec(ctx)
	return mapErr("save settings", err)
}
