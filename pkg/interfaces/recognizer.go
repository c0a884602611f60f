package interfaces

import (
	"context"

	"github.com/m-mizutani/vibe/pkg/model"
)

// Recognizer is a continuously restarting speech recognizer. Callbacks must be
// registered before Start. After the recognizer ends (OnEnd) it may be started again.
//
// Errors passed to OnError or returned by Start that wrap model.ErrUnsupported are
// fatal, model.ErrSourceExhausted means no further input will arrive, and any other
// error is transient.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error

	OnResult(fn func(model.TranscriptEvent))
	OnError(fn func(error))
	OnEnd(fn func())
}
