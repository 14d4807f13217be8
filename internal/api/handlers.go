// Package api provides HTTP handlers for MealReady endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/grovli/mealready/internal/models"
)

// webhookPayload is the body the generation backend posts when a background
// plan finishes.
type webhookPayload struct {
	UserID     string `json:"user_id"`
	MealPlanID string `json:"meal_plan_id"`
	SessionID  string `json:"session_id"`
}

// userPayload carries endpoints that only need the acting user.
type userPayload struct {
	UserID string `json:"user_id"`
}

// refetchPayload identifies a completed plan to re-materialize.
type refetchPayload struct {
	UserID     string `json:"user_id"`
	MealPlanID string `json:"meal_plan_id"`
}

// checkResponse is the poll endpoint's result shape.
type checkResponse struct {
	HasNotification bool                       `json:"has_notification"`
	Notification    *models.NotificationRecord `json:"notification,omitempty"`
	Throttled       bool                       `json:"throttled,omitempty"`
}

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.generateHandler: processing generate request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.generateHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.generateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	outcome := s.orchestrator.Generate(r.Context(), req)
	switch outcome.Kind {
	case models.OutcomeImmediate:
		slog.Info("Server.generateHandler: plan generated inline", "userID", req.UserID, "planID", outcome.Plan.ID)
		writeJSONResponse(w, http.StatusOK, models.Success(outcome.Plan))
	case models.OutcomeBackground:
		slog.Info("Server.generateHandler: generation handed to background task", "userID", req.UserID, "planID", outcome.PlanID, "taskID", outcome.TaskID)
		writeJSONResponse(w, http.StatusAccepted, models.Processing("Meal plan is being generated", map[string]string{
			"meal_plan_id": outcome.PlanID,
			"task_id":      outcome.TaskID,
		}))
	default:
		slog.Warn("Server.generateHandler: generation failed", "userID", req.UserID, "reason", outcome.Reason)
		writeJSONResponse(w, generateFailureStatus(outcome.Err), models.Error(outcome.Reason))
	}
}

// generateFailureStatus maps a generation failure to an HTTP status.
func generateFailureStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrProRequired):
		return http.StatusForbidden
	case errors.Is(err, models.ErrEmptyUserID),
		errors.Is(err, models.ErrInvalidMealType),
		errors.Is(err, models.ErrInvalidNumDays),
		errors.Is(err, models.ErrTooManyDays):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidFormat):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionHandler: processing session request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: user_id"))
		return
	}
	state, err := s.orchestrator.SessionState(userID)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to fetch session state", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) viewedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.viewedHandler: processing viewed request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p userPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: user_id"))
		return
	}
	if err := s.orchestrator.MarkViewed(p.UserID); err != nil {
		if errors.Is(err, models.ErrViewedBeforeComplete) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Plan is not complete yet"))
			return
		}
		slog.Error("Server.viewedHandler: failed to mark plan viewed", "error", err, "userID", p.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to mark plan viewed"))
		return
	}
	slog.Info("Server.viewedHandler: plan marked viewed", "userID", p.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Plan marked viewed", nil))
}

func (s *Server) refetchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.refetchHandler: processing refetch request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p refetchPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.UserID == "" || p.MealPlanID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: user_id, meal_plan_id"))
		return
	}
	plan, err := s.orchestrator.Refetch(r.Context(), p.UserID, p.MealPlanID)
	if err != nil {
		if errors.Is(err, models.ErrPlanNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Plan not found"))
			return
		}
		slog.Error("Server.refetchHandler: refetch failed", "error", err, "userID", p.UserID, "planID", p.MealPlanID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to fetch plan"))
		return
	}
	slog.Info("Server.refetchHandler: plan refetched", "userID", p.UserID, "planID", p.MealPlanID)
	writeJSONResponse(w, http.StatusOK, models.Success(plan))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.resetHandler: processing reset request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p userPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: user_id"))
		return
	}
	if err := s.orchestrator.Reset(p.UserID); err != nil {
		slog.Error("Server.resetHandler: failed to reset session", "error", err, "userID", p.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.resetHandler: session reset", "userID", p.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing meal-ready webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.UserID == "" || p.MealPlanID == "" {
		slog.Warn("Server.webhookHandler: missing required fields", "user_id_set", p.UserID != "", "meal_plan_id_set", p.MealPlanID != "")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: user_id, meal_plan_id"))
		return
	}
	if err := s.channel.Publish(p.UserID, p.MealPlanID, p.SessionID); err != nil {
		slog.Error("Server.webhookHandler: failed to publish notification", "error", err, "userID", p.UserID, "planID", p.MealPlanID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record notification"))
		return
	}
	slog.Info("Server.webhookHandler: meal-ready notification recorded", "userID", p.UserID, "planID", p.MealPlanID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Notification recorded", nil))
}

func (s *Server) notificationCheckHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.notificationCheckHandler: processing check request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: user_id"))
		return
	}
	res, err := s.channel.Check(userID)
	if err != nil {
		slog.Error("Server.notificationCheckHandler: check failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check notifications"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(checkResponse{
		HasNotification: res.Notification != nil,
		Notification:    res.Notification,
		Throttled:       res.Throttled,
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
