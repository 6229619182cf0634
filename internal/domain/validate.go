package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeList pulls the named field out of a decoded JSON object and requires it
// to be an array of T. A missing field, null, or any non-array value is rejected.
func DecodeList[T any](fields map[string]json.RawMessage, field string) ([]T, error) {
	raw, ok := fields[field]
	if !ok || !isJSONArray(raw) {
		return nil, invalid(field, "must be an array")
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, invalid(field, "contains malformed entries")
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ValidateTeams rejects teams without an id and duplicate ids in one payload.
func ValidateTeams(teams []Team) error {
	seen := make(map[string]struct{}, len(teams))
	for i, t := range teams {
		if strings.TrimSpace(t.ID) == "" {
			return invalid(fmt.Sprintf("teams[%d].id", i), "is required")
		}
		if _, dup := seen[t.ID]; dup {
			return invalid(fmt.Sprintf("teams[%d].id", i), "is duplicated")
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// NormalizeStudents validates ids and statuses, defaulting an empty status to pending.
func NormalizeStudents(students []Student) ([]Student, error) {
	seen := make(map[string]struct{}, len(students))
	out := make([]Student, len(students))
	for i, s := range students {
		if strings.TrimSpace(s.ID) == "" {
			return nil, invalid(fmt.Sprintf("students[%d].id", i), "is required")
		}
		if _, dup := seen[s.ID]; dup {
			return nil, invalid(fmt.Sprintf("students[%d].id", i), "is duplicated")
		}
		seen[s.ID] = struct{}{}
		if s.Status == "" {
			s.Status = StatusPending
		}
		if !s.Status.Valid() {
			return nil, invalid(fmt.Sprintf("students[%d].status", i), "must be pending, answered or submitted")
		}
		out[i] = s
	}
	return out, nil
}

// ValidateQuestions rejects questions without an id or with an unknown level.
func ValidateQuestions(questions []Question) error {
	seen := make(map[string]struct{}, len(questions))
	for i, q := range questions {
		if strings.TrimSpace(q.ID) == "" {
			return invalid(fmt.Sprintf("questions[%d].id", i), "is required")
		}
		if _, dup := seen[q.ID]; dup {
			return invalid(fmt.Sprintf("questions[%d].id", i), "is duplicated")
		}
		seen[q.ID] = struct{}{}
		if !q.Level.Valid() {
			return invalid(fmt.Sprintf("questions[%d].level", i), "must be easy, medium or hard")
		}
	}
	return nil
}

// NormalizeSettings defaults an empty level to medium and rejects unknown ones.
func NormalizeSettings(s Settings) (Settings, error) {
	if s.CurrentLevel == "" {
		s.CurrentLevel = LevelMedium
	}
	if !s.CurrentLevel.Valid() {
		return Settings{}, invalid("currentLevel", "must be easy, medium or hard")
	}
	return s, nil
}

// Validate requires the identity and text of a submission.
func (a AnswerSubmission) Validate() error {
	if strings.TrimSpace(a.StudentID) == "" {
		return invalid("studentId", "is required")
	}
	if strings.TrimSpace(a.Text) == "" {
		return invalid("text", "is required")
	}
	return nil
}

// Validate requires at least one field and a rating within 0..5.
func (r AnswerReview) Validate() error {
	if r.Rating == nil && r.Highlighted == nil {
		return invalid("", "rating or highlighted is required")
	}
	if r.Rating != nil && (*r.Rating < 0 || *r.Rating > 5) {
		return invalid("rating", "must be between 0 and 5")
	}
	return nil
}
