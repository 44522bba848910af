package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/stages"
)

// stageWebhookHandler receives CRM stage-change events. Unrecognized stage
// labels are acknowledged with an ignored status here so pipeline states
// outside the contact sequence never reach the engine.
func (s *Server) stageWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	defer r.Body.Close()

	var ev models.StageChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Error("Server.stageWebhookHandler: invalid JSON payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON payload"))
		return
	}
	if err := ev.Validate(); err != nil {
		slog.Error("Server.stageWebhookHandler: validation failed", "error", err, "leadID", ev.LeadID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := stages.FromLabel(ev.StageLabel); err != nil {
		slog.Info("Server.stageWebhookHandler: unrecognized stage label ignored",
			"label", ev.StageLabel, "leadID", ev.LeadID)
		writeJSONResponse(w, http.StatusOK, models.Ignored("stage label not part of the contact sequence"))
		return
	}

	result, err := s.engine.OnExternalStageConfirmed(r.Context(), ev)
	if err != nil {
		slog.Error("Server.stageWebhookHandler: engine rejected event", "error", err, "leadID", ev.LeadID)
		if errors.Is(err, models.ErrValidation) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process stage change"))
		return
	}
	if result == nil {
		writeJSONResponse(w, http.StatusOK, models.Ignored("duplicate event"))
		return
	}

	slog.Info("Server.stageWebhookHandler: stage change processed",
		"leadID", ev.LeadID, "stage", ev.StageLabel, "outcome", result.Outcome)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// replyWebhookHandler receives inbound lead replies. Own-device messages are
// acknowledged and dropped here.
func (s *Server) replyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	defer r.Body.Close()

	var reply models.Reply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		slog.Error("Server.replyWebhookHandler: invalid JSON payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON payload"))
		return
	}
	if reply.FromMe {
		slog.Debug("Server.replyWebhookHandler: own-device message ignored", "from", reply.From)
		writeJSONResponse(w, http.StatusOK, models.Ignored("own-device message"))
		return
	}
	if err := reply.Validate(); err != nil {
		slog.Error("Server.replyWebhookHandler: validation failed", "error", err, "from", reply.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.engine.OnInboundReply(r.Context(), reply); err != nil {
		slog.Error("Server.replyWebhookHandler: failed to process reply", "error", err, "from", reply.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process reply"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("reply processed", nil))
}

// batchRunHandler triggers one dispatch batch. A trigger refused by the
// single-flight guard is reported as HTTP 409 with the already-running marker.
func (s *Server) batchRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	defer r.Body.Close()

	result, err := s.coordinator.RunBatch(r.Context())
	if err != nil {
		slog.Error("Server.batchRunHandler: batch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to run batch"))
		return
	}
	if result.AlreadyRunning {
		writeJSONResponse(w, http.StatusConflict, models.Busy(result))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// leadsHandler lists every active lead.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	leads, err := s.st.ListActiveLeads()
	if err != nil {
		slog.Error("Server.leadsHandler: failed to list leads", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// leadByIDHandler returns one lead by its external id.
func (s *Server) leadByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/leads/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid lead id"))
		return
	}

	lead, err := s.st.GetLead(id)
	if err != nil {
		slog.Error("Server.leadByIDHandler: failed to get lead", "error", err, "leadID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

// healthHandler reports service health and the current active lead count.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK

	leads, err := s.st.ListActiveLeads()
	if err != nil {
		slog.Error("Server.healthHandler: store check failed", "error", err)
		status["status"] = "degraded"
		status["store"] = "unavailable"
		code = http.StatusServiceUnavailable
	} else {
		status["active_leads"] = len(leads)
	}

	writeJSONResponse(w, code, models.Success(status))
}
