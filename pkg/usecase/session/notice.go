package session

import "log/slog"

type NoticeKind int

const (
	NoticeGeneral NoticeKind = iota
	// NoticeCredentialRequired asks the user to provide an API key
	NoticeCredentialRequired
	// NoticeUnsupported means the transcript source can not be used at all
	NoticeUnsupported
	// NoticeHistoryNotSaved means a reply was shown but not persisted
	NoticeHistoryNotSaved
)

// Notice is a user-visible message. Level reuses slog levels.
type Notice struct {
	Level   slog.Level
	Kind    NoticeKind
	Message string
	Err     error
}
