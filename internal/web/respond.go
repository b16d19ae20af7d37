package web

import (
	"encoding/json"
	"net/http"

	"github.com/modfin/offer"
	"github.com/modfin/offer/internal/apperr"
	"github.com/sirupsen/logrus"
)

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondErr maps err to a status and a display safe message. Internal
// details only go to the log.
func respondErr(w http.ResponseWriter, r *http.Request, log *logrus.Logger, err error) {
	code, msg := apperr.Status(err)
	entry := log.WithError(err).WithField("path", r.URL.Path)
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	respond(w, code, offer.ErrorResponse{Error: msg})
}
