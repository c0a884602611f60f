package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrUnsupported is reported by a transcript source that cannot run in this environment
	ErrUnsupported = goerr.New("transcript source is not supported")

	// ErrSourceExhausted is reported by a finite transcript source that has no more input
	ErrSourceExhausted = goerr.New("transcript source exhausted")

	ErrMissingCredential = goerr.New("API credential is not set")
	ErrInvalidCredential = goerr.New(`invalid API key format, it should start with "sk-"`)

	// ErrBusy is returned when regenerate or replay is requested while a request is in flight
	ErrBusy = goerr.New("a reply is already being generated")

	ErrNoObjection = goerr.New("no objection to regenerate")
	ErrEmptyReply  = goerr.New("oracle returned an empty reply")
)
