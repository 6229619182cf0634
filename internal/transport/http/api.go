package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agora-sync/internal/app"
	"agora-sync/internal/domain"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// APIHandler exposes the session resources over REST.
type APIHandler struct {
	service *app.SessionService
}

func NewAPIHandler(service *app.SessionService) *APIHandler {
	return &APIHandler{service: service}
}

// NewRouter wires the REST resources, the websocket trigger stream and the
// health check onto one router.
func NewRouter(service *app.SessionService, notifier app.ChangeNotifier) *mux.Router {
	r := mux.NewRouter()
	NewAPIHandler(service).Register(r)
	r.HandleFunc("/ws/{sessionId}", NewWSHandler(notifier).ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (h *APIHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/teams/{sessionId}", h.getTeams).Methods(http.MethodGet)
	api.HandleFunc("/teams/{sessionId}", h.postTeams).Methods(http.MethodPost)
	api.HandleFunc("/teams/{sessionId}/{teamId}", h.deleteTeam).Methods(http.MethodDelete)

	api.HandleFunc("/students/{sessionId}", h.getStudents).Methods(http.MethodGet)
	api.HandleFunc("/students/{sessionId}", h.postStudents).Methods(http.MethodPost)
	api.HandleFunc("/students/{sessionId}/{studentId}", h.deleteStudent).Methods(http.MethodDelete)
	api.HandleFunc("/students/{sessionId}/{studentId}/heartbeat", h.heartbeat).Methods(http.MethodPost)

	api.HandleFunc("/questions/{sessionId}", h.getQuestions).Methods(http.MethodGet)
	api.HandleFunc("/questions/{sessionId}", h.postQuestions).Methods(http.MethodPost)

	api.HandleFunc("/answers/{sessionId}", h.getAnswers).Methods(http.MethodGet)
	api.HandleFunc("/answers/{sessionId}", h.postAnswer).Methods(http.MethodPost)
	api.HandleFunc("/answers/{sessionId}/{answerId}", h.reviewAnswer).Methods(http.MethodPatch)

	api.HandleFunc("/settings/{sessionId}", h.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/{sessionId}", h.postSettings).Methods(http.MethodPost)

	api.HandleFunc("/session", h.createSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{sessionId}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/session/{sessionId}", h.postSession).Methods(http.MethodPost)
	api.HandleFunc("/session/{sessionId}/reset", h.reset).Methods(http.MethodPost)

	api.HandleFunc("/{resource}", h.missingSession)
}

func (h *APIHandler) missingSession(w http.ResponseWriter, _ *http.Request) {
	writeError(w, domain.ErrMissingSessionID)
}

func (h *APIHandler) getTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.service.ReadTeams(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (h *APIHandler) postTeams(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	fields, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	teams, err := domain.DecodeList[domain.Team](fields, "teams")
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("teams write request received", "session_id", sessionID, "count", len(teams))
	saved, err := h.service.WriteTeams(r.Context(), sessionID, teams)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "teams": saved})
}

func (h *APIHandler) deleteTeam(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slog.Info("team delete request received", "session_id", vars["sessionId"], "team_id", vars["teamId"])
	if err := h.service.DeleteTeam(r.Context(), vars["sessionId"], vars["teamId"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *APIHandler) getStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.service.ReadStudents(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": students})
}

func (h *APIHandler) postStudents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	fields, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	students, err := domain.DecodeList[domain.Student](fields, "students")
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("students write request received", "session_id", sessionID, "count", len(students))
	saved, err := h.service.WriteStudents(r.Context(), sessionID, students)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "students": saved})
}

func (h *APIHandler) deleteStudent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slog.Info("student delete request received", "session_id", vars["sessionId"], "student_id", vars["studentId"])
	if err := h.service.DeleteStudent(r.Context(), vars["sessionId"], vars["studentId"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *APIHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	student, err := h.service.Heartbeat(r.Context(), vars["sessionId"], vars["studentId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "student": student})
}

func (h *APIHandler) getQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.service.ReadQuestions(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (h *APIHandler) postQuestions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	fields, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	questions, err := domain.DecodeList[domain.Question](fields, "questions")
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("questions write request received", "session_id", sessionID, "count", len(questions))
	saved, err := h.service.WriteQuestions(r.Context(), sessionID, questions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "questions": saved})
}

func (h *APIHandler) getAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := h.service.ReadAnswers(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

func (h *APIHandler) postAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	var sub domain.AnswerSubmission
	if err := decodeInto(w, r, &sub); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("answer submission received", "session_id", sessionID, "student_id", sub.StudentID)
	answer, err := h.service.SubmitAnswer(r.Context(), sessionID, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "answer": answer})
}

func (h *APIHandler) reviewAnswer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var review domain.AnswerReview
	if err := decodeInto(w, r, &review); err != nil {
		writeError(w, err)
		return
	}
	answer, err := h.service.ReviewAnswer(r.Context(), vars["sessionId"], vars["answerId"], review)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "answer": answer})
}

func (h *APIHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.ReadSettings(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *APIHandler) postSettings(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	var settings domain.Settings
	if err := decodeInto(w, r, &settings); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("settings write request received", "session_id", sessionID, "level", settings.CurrentLevel, "running", settings.IsRunning)
	saved, err := h.service.WriteSettings(r.Context(), sessionID, settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"currentLevel": saved.CurrentLevel,
		"isRunning":    saved.IsRunning,
	})
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.CreateSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id})
}

func (h *APIHandler) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ReadSession(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *APIHandler) postSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	fields, err := decodeObject(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	patch, err := decodePatch(fields)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("session write request received", "session_id", sessionID)
	snap, err := h.service.WriteSession(r.Context(), sessionID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": snap})
}

func (h *APIHandler) reset(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	var req app.ResetRequest
	if err := decodeInto(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, err)
		return
	}
	slog.Warn("session reset requested", "session_id", sessionID, "confirm", req.Confirm)
	result, err := h.service.Reset(r.Context(), sessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": result.SessionID, "newSessionId": result.NewSessionID})
}

// decodePatch maps an aggregate body onto a Patch. Absent or null fields are
// left untouched; present fields must have the right shape.
func decodePatch(fields map[string]json.RawMessage) (app.Patch, error) {
	var patch app.Patch
	present := func(name string) bool {
		raw, ok := fields[name]
		return ok && string(raw) != "null"
	}
	if present("teams") {
		teams, err := domain.DecodeList[domain.Team](fields, "teams")
		if err != nil {
			return app.Patch{}, err
		}
		patch.Teams = &teams
	}
	if present("students") {
		students, err := domain.DecodeList[domain.Student](fields, "students")
		if err != nil {
			return app.Patch{}, err
		}
		patch.Students = &students
	}
	if present("questions") {
		questions, err := domain.DecodeList[domain.Question](fields, "questions")
		if err != nil {
			return app.Patch{}, err
		}
		patch.Questions = &questions
	}
	if present("settings") {
		var settings domain.Settings
		if err := json.Unmarshal(fields["settings"], &settings); err != nil {
			return app.Patch{}, &domain.ValidationError{Field: "settings", Reason: "must be an object"}
		}
		patch.Settings = &settings
	}
	return patch, nil
}
