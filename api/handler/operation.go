package handler

import (
	"log"
	"net/http"

	"snapshot-tools/api/model"
)

type accepted struct {
	Success bool `json:"success"`
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req model.CommitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := h.ops.StartCommit(r.Context(), req); err != nil {
		log.Printf("commit: %v", err)
		writeOperationError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, accepted{Success: true})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	var req model.SaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := h.ops.StartSave(r.Context(), req); err != nil {
		log.Printf("export: %v", err)
		writeOperationError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, accepted{Success: true})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	v, err := h.ops.Status(r.Context())
	if err != nil {
		log.Printf("status: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, v)
}

func (h *Handler) ResetStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.Reset(r.Context()); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, model.IdleStatus())
}
