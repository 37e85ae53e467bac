package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/api/transport"
	"github.com/fastygo/taskboard/pkg/httpcontext"
)

// ConnectivityHandler lets the host shell forward OS network and focus events.
type ConnectivityHandler struct {
	baseHandler
	monitor ConnectivityController
}

func NewConnectivityHandler(mon ConnectivityController, adapter *httpcontext.Adapter, logger *zap.Logger) *ConnectivityHandler {
	return &ConnectivityHandler{
		baseHandler: newBaseHandler(adapter, logger),
		monitor:     mon,
	}
}

// @Summary Connectivity status
// @Tags connectivity
// @Router /api/v1/connectivity [get]
func (h *ConnectivityHandler) Status(ctx *fasthttp.RequestCtx) {
	h.respondSuccess(ctx, http.StatusOK, h.monitor.GetStatus())
}

// @Summary Report a network transition
// @Tags connectivity
// @Router /api/v1/connectivity [put]
func (h *ConnectivityHandler) Report(ctx *fasthttp.RequestCtx) {
	var req transport.ConnectivityRequest
	if !h.decode(ctx, &req) {
		return
	}
	if req.Online == nil {
		h.respondInvalid(ctx, "online is required")
		return
	}
	h.monitor.SetReported(*req.Online)
	h.logger.Info("network state reported", zap.Bool("online", *req.Online))
	h.respondSuccess(ctx, http.StatusOK, h.monitor.GetStatus())
}

// @Summary Report that the application regained focus
// @Tags connectivity
// @Router /api/v1/connectivity/foreground [post]
func (h *ConnectivityHandler) Foreground(ctx *fasthttp.RequestCtx) {
	h.monitor.Foreground()
	h.respondSuccess(ctx, http.StatusAccepted, h.monitor.GetStatus())
}
