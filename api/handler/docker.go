package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.engine.ListContainers(r.Context())
	if err != nil {
		log.Printf("containers: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, containers)
}

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.engine.ListImages(r.Context())
	if err != nil {
		log.Printf("images: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, images)
}

func (h *Handler) RemoveImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RemoveImage(r.Context(), id); err != nil {
		log.Printf("images: remove %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"removed": id})
}
