package query_context

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context carries per-request metadata through the gateway so every log
// line of one request can be correlated.
type Context struct {
	id        string
	category  string
	startTime time.Time
}

// NewContext creates a new Context for one inbound request.
// If id is empty a random one is generated.
func NewContext(category, id string) *Context {
	if len(id) == 0 {
		id = uuid.NewString()
	}
	return &Context{
		id:        id,
		category:  category,
		startTime: time.Now(),
	}
}

// Id returns the request id.
func (ctx *Context) Id() string {
	return ctx.id
}

// Category returns the analysis category (or route name) of the request.
func (ctx *Context) Category() string {
	return ctx.category
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// Elapsed returns the time since the Context was created.
func (ctx *Context) Elapsed() time.Duration {
	return time.Since(ctx.startTime)
}

// String returns a short summary of the request.
func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s", ctx.category, ctx.id)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (ctx *Context) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", ctx.id)
	enc.AddString("category", ctx.category)
	enc.AddDuration("elapsed", ctx.Elapsed())
	return nil
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Object("request", ctx)
}

type ctxKey struct{}

// WithContext returns a copy of parent that carries qCtx.
func WithContext(parent context.Context, qCtx *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, qCtx)
}

// FromContext returns the Context stored in ctx. If there is none,
// a new anonymous Context is returned.
func FromContext(ctx context.Context) *Context {
	if qCtx, ok := ctx.Value(ctxKey{}).(*Context); ok {
		return qCtx
	}
	return NewContext("", "")
}
