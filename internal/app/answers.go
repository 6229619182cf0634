package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agora-sync/internal/domain"
	"github.com/google/uuid"
)

// DefaultQuestionText seeds a session that receives answers before the host
// has written any question.
const DefaultQuestionText = "Quelle est la nature de la bonne vie, et comment se rapporte-t-elle à la vertu?"

// SubmitAnswer appends one answer to the session log and denormalizes it onto
// the submitting student.
func (s *SessionService) SubmitAnswer(ctx context.Context, sessionID string, sub domain.AnswerSubmission) (domain.Answer, error) {
	if err := requireSession(sessionID); err != nil {
		return domain.Answer{}, err
	}
	if err := sub.Validate(); err != nil {
		return domain.Answer{}, err
	}
	now := s.now()
	answer := domain.Answer{
		ID:          "answer-" + uuid.NewString(),
		StudentID:   sub.StudentID,
		StudentName: sub.StudentName,
		TeamID:      sub.TeamID,
		QuestionID:  sub.QuestionID,
		Text:        strings.TrimSpace(sub.Text),
		Timestamp:   now.UTC(),
	}
	if answer.QuestionID == "" || answer.QuestionID == domain.DefaultQuestionID {
		answer.QuestionID = s.resolveDefaultQuestion(ctx, sessionID)
	}

	unlock := s.locks.lock(sessionID)
	err := s.cache.AppendAnswer(ctx, sessionID, answer)
	if err == nil {
		err = s.denormalizeAnswer(ctx, sessionID, answer)
	}
	unlock()
	if err != nil {
		return domain.Answer{}, err
	}
	s.touch(ctx, sessionID)

	if s.store.Configured() {
		if err := s.persistAnswer(ctx, sessionID, answer); err != nil {
			s.logStoreErr("submit answer", sessionID, err)
		}
	}
	s.publish(ctx, sessionID, domain.TableAnswers)
	s.publish(ctx, sessionID, domain.TableUsers)
	return answer, nil
}

// resolveDefaultQuestion picks the first question of the session in stored
// order, or keeps the placeholder id when the session has none yet.
func (s *SessionService) resolveDefaultQuestion(ctx context.Context, sessionID string) string {
	questions, err := s.ReadQuestions(ctx, sessionID)
	if err != nil || len(questions) == 0 {
		return domain.DefaultQuestionID
	}
	return questions[0].ID
}

// denormalizeAnswer copies the answer onto its student. Callers hold the
// session lock.
func (s *SessionService) denormalizeAnswer(ctx context.Context, sessionID string, answer domain.Answer) error {
	students, err := cachedOrRead(ctx, sessionID, domain.TableUsers, s.cache.Students, s.ReadStudents)
	if err != nil {
		return err
	}
	now := s.now()
	found := false
	for i := range students {
		if students[i].ID != answer.StudentID {
			continue
		}
		found = true
		students[i].Response = answer.Text
		if students[i].Status != domain.StatusSubmitted {
			students[i].Status = domain.StatusAnswered
		}
		students[i].LastSeen = now.UnixMilli()
		students[i].UpdatedAt = now.UnixMilli()
		students[i] = students[i].WithLiveness(now)
	}
	if !found {
		students = append(students, domain.Student{
			ID:        answer.StudentID,
			Name:      answer.StudentName,
			Team:      answer.TeamID,
			Status:    domain.StatusAnswered,
			Response:  answer.Text,
			LastSeen:  now.UnixMilli(),
			IsOnline:  true,
			UpdatedAt: now.UnixMilli(),
		})
	}
	return s.cache.SetStudents(ctx, sessionID, students)
}

// persistAnswer mirrors the answer into the relational tier. The user row and
// the question row are created on demand.
func (s *SessionService) persistAnswer(ctx context.Context, sessionID string, answer domain.Answer) error {
	if err := s.store.EnsureSession(ctx, sessionID); err != nil {
		return err
	}
	studentID, err := s.ensureUser(ctx, sessionID, answer)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	answer.StudentID = studentID

	if answer.QuestionID == domain.DefaultQuestionID {
		if err := s.ensureDefaultQuestion(ctx, sessionID); err != nil {
			return fmt.Errorf("ensure default question: %w", err)
		}
	}
	if err := s.store.InsertAnswer(ctx, sessionID, answer); err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	lastSeen := answer.Timestamp.UnixMilli()
	if err := s.store.UpdateStudentStatus(ctx, sessionID, studentID, domain.StatusAnswered, answer.Text, lastSeen); err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return nil
}

// ensureUser returns the relational id of the answering student, inserting
// the row when missing. A name conflict resolves to the existing row.
func (s *SessionService) ensureUser(ctx context.Context, sessionID string, answer domain.Answer) (string, error) {
	students, err := s.store.ListStudents(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, st := range students {
		if st.ID == answer.StudentID {
			return st.ID, nil
		}
	}
	err = s.store.InsertStudent(ctx, sessionID, domain.Student{
		ID:       answer.StudentID,
		Name:     answer.StudentName,
		Team:     answer.TeamID,
		Status:   domain.StatusAnswered,
		Response: answer.Text,
		LastSeen: answer.Timestamp.UnixMilli(),
	})
	if err == nil {
		return answer.StudentID, nil
	}
	if !errors.Is(err, domain.ErrDuplicate) {
		return "", err
	}
	students, err = s.store.ListStudents(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, st := range students {
		if sameName(st.Name, answer.StudentName) {
			return st.ID, nil
		}
	}
	return "", domain.ErrDuplicate
}

func (s *SessionService) ensureDefaultQuestion(ctx context.Context, sessionID string) error {
	questions, err := s.store.ListQuestions(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if q.ID == domain.DefaultQuestionID {
			return nil
		}
	}
	err = s.store.InsertQuestion(ctx, sessionID, domain.Question{
		ID:    domain.DefaultQuestionID,
		Text:  DefaultQuestionText,
		Level: domain.LevelMedium,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return nil
	}
	return err
}

// ReviewAnswer applies a host rating or highlight to one answer.
func (s *SessionService) ReviewAnswer(ctx context.Context, sessionID, answerID string, review domain.AnswerReview) (domain.Answer, error) {
	if err := requireSession(sessionID); err != nil {
		return domain.Answer{}, err
	}
	if err := review.Validate(); err != nil {
		return domain.Answer{}, err
	}
	reviewed, err := s.reviewCachedAnswer(ctx, sessionID, answerID, review)
	if err != nil {
		return domain.Answer{}, err
	}
	s.touch(ctx, sessionID)
	if err := s.store.ReviewAnswer(ctx, sessionID, answerID, review); err != nil {
		s.logStoreErr("review answer", sessionID, err)
	}
	s.publish(ctx, sessionID, domain.TableAnswers)
	return reviewed, nil
}

func (s *SessionService) reviewCachedAnswer(ctx context.Context, sessionID, answerID string, review domain.AnswerReview) (domain.Answer, error) {
	defer s.locks.lock(sessionID)()

	answers, err := cachedOrRead(ctx, sessionID, domain.TableAnswers, s.cache.Answers, s.ReadAnswers)
	if err != nil {
		return domain.Answer{}, err
	}
	for i := range answers {
		if answers[i].ID != answerID {
			continue
		}
		if review.Rating != nil {
			rating := *review.Rating
			answers[i].Rating = &rating
		}
		if review.Highlighted != nil {
			answers[i].Highlighted = *review.Highlighted
		}
		if err := s.cache.SetAnswers(ctx, sessionID, answers); err != nil {
			return domain.Answer{}, err
		}
		return answers[i], nil
	}
	return domain.Answer{}, domain.ErrAnswerNotFound
}
