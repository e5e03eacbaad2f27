package server

import (
	"context"

	"github.com/onnwee/convo-recorder/record"
)

// Recorder is the slice of the recording controller the API drives.
type Recorder interface {
	Status() []record.SessionStatus
	Records(chatID int64) ([]string, error)
	RequestExport(ctx context.Context, chatID int64, key string, to int64) error
	RequestDelete(ctx context.Context, chatID int64, key string) error
	RequestStop(ctx context.Context, chatID int64)
}

// Check is one readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options wires the API to the rest of the process.
type Options struct {
	Recorder Recorder
	Checks   []Check
	// Downloads reports in-flight attachment downloads and the pool size.
	Downloads func() (active, max int)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	rec       Recorder
	checks    []Check
	downloads func() (int, int)
}

// NewHandlers creates a Handlers instance from opts.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{rec: opts.Recorder, checks: opts.Checks, downloads: opts.Downloads}
}
