package handler

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Engine    string            `json:"engine,omitempty"`
	ExportDir string            `json:"exportDir"`
	Clients   int               `json:"wsClients"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Services: map[string]string{}, ExportDir: h.cfg.ExportDir}
	if h.events != nil {
		resp.Clients = h.events.Clients()
	}

	if v, err := h.engine.Version(ctx); err != nil {
		resp.Services["docker"] = "down"
		resp.Status = "degraded"
	} else {
		resp.Services["docker"] = "up"
		resp.Engine = v
	}

	switch {
	case h.s3 == nil:
		resp.Services["s3"] = "unconfigured"
	case h.s3.Healthy(ctx) != nil:
		resp.Services["s3"] = "down"
		resp.Status = "degraded"
	default:
		resp.Services["s3"] = "up"
	}

	if _, err := h.ops.Status(ctx); err != nil {
		resp.Services["state"] = "corrupt"
		resp.Status = "degraded"
	} else {
		resp.Services["state"] = "up"
	}

	writeJSON(w, resp)
}
