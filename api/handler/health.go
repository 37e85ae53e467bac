package handler

import (
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/api/transport"
	"github.com/fastygo/taskboard/internal/infrastructure/monitor"
	"github.com/fastygo/taskboard/pkg/httpcontext"
)

// ConnectivityController is the part of the connectivity monitor exposed over HTTP.
type ConnectivityController interface {
	GetStatus() monitor.Status
	SetReported(online bool)
	Foreground()
}

type HealthHandler struct {
	baseHandler
	monitor ConnectivityController
}

func NewHealthHandler(mon ConnectivityController, adapter *httpcontext.Adapter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		baseHandler: newBaseHandler(adapter, logger),
		monitor:     mon,
	}
}

// @Summary Health check
// @Tags health
// @Router /health [get]
func (h *HealthHandler) Check(ctx *fasthttp.RequestCtx) {
	status := h.monitor.GetStatus()
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"services": map[string]interface{}{
			"remote": status.Probes,
			"queue": map[string]interface{}{
				"size": status.QueueSize,
			},
		},
		"online": status.Online,
	}

	if status.Online {
		h.respondSuccess(ctx, http.StatusOK, payload)
		return
	}
	h.respondJSON(ctx, http.StatusServiceUnavailable, transport.NewError("OFFLINE", "remote unreachable, working from local store", payload))
}
