package media

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Type tags one kind of media stream.
type Type string

const (
	Audio          Type = "audio"
	Video          Type = "video"
	Chat           Type = "chat"
	FileTransfer   Type = "file-transfer"
	ScreenSharing  Type = "screen-sharing"
	DesktopSharing Type = "desktop-sharing"
)

// AllTypes lists every media type in handling priority order.
var AllTypes = []Type{Chat, Audio, Video, FileTransfer, ScreenSharing, DesktopSharing}

// Valid reports whether t is a known media type.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Errors returned by handlers and the factory.
var (
	ErrUnsupportedType   = errors.New("unsupported stream type")
	ErrInvalidTransition = errors.New("invalid stream status transition")
	ErrNoStream          = errors.New("handler has no stream")
)

// Stream is one media leg as negotiated with the remote party.
type Stream struct {
	Type      Type   `json:"type"`
	Direction string `json:"direction,omitempty"`
	// FileName and FileSize describe the file offered by a file transfer.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	// Role is "server" or "viewer" for screen sharing.
	Role string `json:"role,omitempty"`
}

// ScreenshotPrefix marks file transfers carrying a screen capture.
const ScreenshotPrefix = "xscreencapture"

// Screenshot reports whether s transfers a screen capture.
func (s *Stream) Screenshot() bool {
	return s.Type == FileTransfer && strings.HasPrefix(s.FileName, ScreenshotPrefix)
}

// Types returns the media types of streams, in order.
func Types(streams []*Stream) []Type {
	types := make([]Type, 0, len(streams))
	for _, s := range streams {
		types = append(types, s.Type)
	}
	return types
}

// HasType reports whether any stream has type t.
func HasType(streams []*Stream, t Type) bool {
	for _, s := range streams {
		if s.Type == t {
			return true
		}
	}
	return false
}

// Filter returns the streams for which keep is true.
func Filter(streams []*Stream, keep func(*Stream) bool) []*Stream {
	out := make([]*Stream, 0, len(streams))
	for _, s := range streams {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// OfTypes returns the streams whose type is in types.
func OfTypes(streams []*Stream, types ...Type) []*Stream {
	return Filter(streams, func(s *Stream) bool {
		for _, t := range types {
			if s.Type == t {
				return true
			}
		}
		return false
	})
}

// IncomingOptions tune how a handler answers a stream.
type IncomingOptions struct {
	IsUpdate         bool
	AnsweringMachine bool
	AddToConference  bool
}

// Handler starts, stops and monitors one stream of a session. It refers to
// its session by identifier only.
type Handler interface {
	Type() Type
	SessionID() uint64
	Stream() *Stream
	SetStream(stream *Stream)
	Status() Status
	Reason() string

	StartIncoming(opts IncomingOptions) error
	StartOutgoing(isUpdate bool) error
	ChangeStatus(status Status, reason string) error
	Reset()
}

// StatusChange describes one handler status transition.
type StatusChange struct {
	SessionID uint64
	Type      Type
	Old       Status
	New       Status
	Reason    string
}

// StatusListener observes handler status transitions.
type StatusListener func(change StatusChange)
