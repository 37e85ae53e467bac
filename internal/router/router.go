package router

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	apiHandler "github.com/fastygo/taskboard/api/handler"
)

type Handlers struct {
	Task         *apiHandler.TaskHandler
	Connectivity *apiHandler.ConnectivityHandler
	Health       *apiHandler.HealthHandler
}

// New wires the routes; every route except /health goes through mw.
func New(handlers Handlers, mw func(fasthttp.RequestHandler) fasthttp.RequestHandler) *router.Router {
	if mw == nil {
		mw = func(next fasthttp.RequestHandler) fasthttp.RequestHandler { return next }
	}
	r := router.New()

	r.GET("/health", handlers.Health.Check)

	r.GET("/api/v1/tasks", mw(handlers.Task.ListTasks))
	r.POST("/api/v1/tasks", mw(handlers.Task.CreateTask))
	r.GET("/api/v1/tasks/{id}", mw(handlers.Task.GetTask))
	r.PATCH("/api/v1/tasks/{id}", mw(handlers.Task.UpdateTask))
	r.DELETE("/api/v1/tasks/{id}", mw(handlers.Task.DeleteTask))
	r.POST("/api/v1/tasks/{id}/retry", mw(handlers.Task.RetryTask))
	r.GET("/api/v1/stream/tasks", mw(handlers.Task.StreamTasks))
	r.POST("/api/v1/sync", mw(handlers.Task.SyncNow))

	r.GET("/api/v1/connectivity", mw(handlers.Connectivity.Status))
	r.PUT("/api/v1/connectivity", mw(handlers.Connectivity.Report))
	r.POST("/api/v1/connectivity/foreground", mw(handlers.Connectivity.Foreground))

	return r
}
