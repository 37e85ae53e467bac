package httpcontext

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	appLogger "github.com/fastygo/taskboard/pkg/logger"
)

const HeaderRequestID = "X-Request-ID"

// Adapter turns a fasthttp request into a context.Context for the use case layer.
// Every request context is a child of base, so cancelling base on shutdown aborts
// in-flight local store calls and open streams.
type Adapter struct {
	base    context.Context
	timeout time.Duration
}

func NewAdapter(base context.Context, timeout time.Duration) *Adapter {
	if base == nil {
		base = context.Background()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{base: base, timeout: timeout}
}

// Base is the parent of every request and stream context.
func (a *Adapter) Base() context.Context {
	return a.base
}

// Attach returns a request-scoped context with the adapter timeout and the request id.
func (a *Adapter) Attach(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	stdCtx, cancel := context.WithTimeout(a.base, a.timeout)
	return appLogger.ContextWithRequestID(stdCtx, EnsureRequestID(ctx)), cancel
}

// EnsureRequestID returns the caller supplied X-Request-ID, or assigns a new one to the
// request. The id is always echoed on the response.
func EnsureRequestID(ctx *fasthttp.RequestCtx) string {
	if ctx == nil {
		return uuid.NewString()
	}
	reqID := strings.TrimSpace(string(ctx.Request.Header.Peek(HeaderRequestID)))
	if reqID == "" {
		reqID = uuid.NewString()
		ctx.Request.Header.Set(HeaderRequestID, reqID)
	}
	ctx.Response.Header.Set(HeaderRequestID, reqID)
	return reqID
}
