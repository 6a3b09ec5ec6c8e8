package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/examattempts/engine/internal/httpapi/apierr"
)

type envelope struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	FromCache bool   `json:"fromCache,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

func okCached(w http.ResponseWriter, data any, fromCache bool) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data, FromCache: fromCache})
}

func accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Status: "success", Data: data})
}

// fail writes the error envelope per the §7 error-response shape, deriving
// status, message, and retryAfter from a single apierr classification so no
// handler needs its own status switch.
func fail(w http.ResponseWriter, log *zap.Logger, err error) {
	status := apierr.Status(err)
	msg := apierr.Message(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	if retry := apierr.RetryAfter(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	writeJSON(w, status, envelope{Status: "error", Message: msg})
}
