package voice

import (
	"fmt"
	"time"
)

// NoticeKind classifies a [Notice].
type NoticeKind int

const (
	NoticePermission NoticeKind = iota + 1
	NoticeConnecting
	NoticeConnected
	NoticeConnectionLost
	NoticeConnectionFailed
	NoticeCaptureFailed
	NoticeTurnDiscarded
	NoticeDecodeFailures
)

// String returns the name of the kind.
func (k NoticeKind) String() string {
	switch k {
	case NoticePermission:
		return "permission"
	case NoticeConnecting:
		return "connecting"
	case NoticeConnected:
		return "connected"
	case NoticeConnectionLost:
		return "connection_lost"
	case NoticeConnectionFailed:
		return "connection_failed"
	case NoticeCaptureFailed:
		return "capture_failed"
	case NoticeTurnDiscarded:
		return "turn_discarded"
	case NoticeDecodeFailures:
		return "decode_failures"
	default:
		return fmt.Sprintf("NoticeKind(%d)", int(k))
	}
}

// Notice is a user-facing message about something the user should know or
// act on.
type Notice struct {
	Kind NoticeKind
	Text string
	Err  error
	At   time.Time
}

func (n Notice) String() string {
	if n.Err != nil {
		return fmt.Sprintf("%s: %v", n.Text, n.Err)
	}
	return n.Text
}
