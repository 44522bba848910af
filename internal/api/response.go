package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// fallbackErrorResponse is pre-marshaled at startup so a response can always
// be written even when marshaling the real payload fails.
var fallbackErrorResponse []byte

func init() {
	fallback := models.Error("Internal server error")
	var err error
	fallbackErrorResponse, err = json.Marshal(fallback)
	if err != nil {
		// Should never happen with a static struct; keep a hand-written body
		// as the absolute last resort.
		fallbackErrorResponse = []byte(`{"status":"error","message":"Internal server error"}`)
	}
}

// writeJSONResponse writes a standard JSON response with the given status
// code. The payload is marshaled before headers are written so a marshal
// failure can still produce a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("api.writeJSONResponse: failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		if _, writeErr := w.Write(fallbackErrorResponse); writeErr != nil {
			slog.Error("api.writeJSONResponse: failed to write fallback response", "error", writeErr)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("api.writeJSONResponse: failed to write response", "error", err)
	}
}
