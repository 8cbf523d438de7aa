package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snapshot-tools/api/config"
	"snapshot-tools/api/engine"
	"snapshot-tools/api/model"
	"snapshot-tools/api/operation"
	"snapshot-tools/api/storage"
)

// ClientCounter reports how many event subscribers are connected.
type ClientCounter interface {
	Clients() int
}

type Handler struct {
	engine engine.Engine
	ops    *operation.Manager
	cfg    *config.Config
	s3     *storage.Client
	events ClientCounter
}

func New(e engine.Engine, ops *operation.Manager, cfg *config.Config, s3 *storage.Client, events ClientCounter) *Handler {
	return &Handler{
		engine: e,
		ops:    ops,
		cfg:    cfg,
		s3:     s3,
		events: events,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

// writeOperationError maps operation errors to status codes: validation 400,
// conflict 409, everything else 500.
func writeOperationError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONStatus(w, http.StatusBadRequest, map[string]interface{}{
			"error":    verr.Error(),
			"fields":   verr.Fields(),
			"findings": verr.Result.Findings,
		})
	case errors.Is(err, operation.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

// Mount registers the backend endpoints on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/containers", h.ListContainers)
	r.Get("/images", h.ListImages)
	r.Delete("/images/{id}", h.RemoveImage)
	r.Post("/commit", h.Commit)
	r.Post("/export", h.Export)
	r.Get("/status", h.Status)
	r.Delete("/status", h.ResetStatus)
	r.Get("/export/status", h.Status) // path used by early UI builds
}
