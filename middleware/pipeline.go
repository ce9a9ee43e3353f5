package middleware

import (
	"context"

	"github.com/touka-aoi/relay-chat/server/peer"
)

// Context carries one inbound message through the pipeline. Clearing Data
// drops the message; nothing is broadcast. Ctx is the dispatch loop's context.
type Context struct {
	Ctx      context.Context
	Data     []byte
	Peer     peer.Endpoint
	Metadata map[string]any
}

type NextFunc func(*Context) error
type MiddlewareFunc func(*Context, NextFunc) error

type Pipeline struct {
	middlewares []MiddlewareFunc
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]MiddlewareFunc, 0),
	}
}

func (p *Pipeline) Use(middleware MiddlewareFunc) *Pipeline {
	p.middlewares = append(p.middlewares, middleware)
	return p
}

func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Execute runs the chain and reports whether the message survived it. A
// middleware that returns without calling next also drops the message.
func (p *Pipeline) Execute(ctx *Context) (bool, error) {
	reached := false
	err := p.executeMiddleware(0, ctx, &reached)
	if err != nil {
		return false, err
	}
	return reached && len(ctx.Data) > 0, nil
}

func (p *Pipeline) executeMiddleware(index int, ctx *Context, reached *bool) error {
	if index >= len(p.middlewares) {
		*reached = true
		return nil
	}

	next := func(ctx *Context) error {
		return p.executeMiddleware(index+1, ctx, reached)
	}

	return p.middlewares[index](ctx, next)
}

func NewContext(ctx context.Context, data []byte, p peer.Endpoint) *Context {
	return &Context{
		Ctx:      ctx,
		Data:     data,
		Peer:     p,
		Metadata: make(map[string]any),
	}
}
