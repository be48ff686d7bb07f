package server

import (
	"context"
	"sync"
)

// Lifecycle constructs the Server at most once. The first Instance call
// builds it from its options; later calls ignore their options and return the
// same server, or the same construction error.
type Lifecycle struct {
	once  sync.Once
	srv   *Server
	err   error
	build func(context.Context, Options) (*Server, error)
}

// NewLifecycle returns an empty lifecycle holder.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{build: newServer}
}

func (l *Lifecycle) Instance(ctx context.Context, opts Options) (*Server, error) {
	l.once.Do(func() {
		build := l.build
		if build == nil {
			build = newServer
		}
		l.srv, l.err = build(ctx, opts)
	})
	return l.srv, l.err
}

var process = NewLifecycle()

// GetInstance returns the process-wide server, constructing it on first use.
func GetInstance(ctx context.Context, opts Options) (*Server, error) {
	return process.Instance(ctx, opts)
}
