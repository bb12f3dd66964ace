package media

import (
	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/logging"
)

// BaseHandler implements the status bookkeeping shared by every handler.
type BaseHandler struct {
	kind      Type
	sessionID uint64
	stream    *Stream
	status    Status
	reason    string
	notify    StatusListener
	logger    logging.Logger
}

func newBaseHandler(kind Type, sessionID uint64, stream *Stream, notify StatusListener, logger logging.Logger) *BaseHandler {
	return &BaseHandler{
		kind:      kind,
		sessionID: sessionID,
		stream:    stream,
		status:    StatusIdle,
		notify:    notify,
		logger: logging.With(logger,
			logging.SessionField(sessionID),
			logging.StringField("stream", string(kind))),
	}
}

func (h *BaseHandler) Type() Type          { return h.kind }
func (h *BaseHandler) SessionID() uint64   { return h.sessionID }
func (h *BaseHandler) Stream() *Stream     { return h.stream }
func (h *BaseHandler) Status() Status      { return h.status }
func (h *BaseHandler) Reason() string      { return h.reason }
func (h *BaseHandler) SetStream(s *Stream) { h.stream = s }

// ChangeStatus moves the handler to status. Setting the current status
// again is a no-op.
func (h *BaseHandler) ChangeStatus(status Status, reason string) error {
	if status == h.status {
		return nil
	}
	if err := checkTransition(h.status, status); err != nil {
		return err
	}
	h.set(status, reason)
	return nil
}

// Reset returns the handler to IDLE from any status.
func (h *BaseHandler) Reset() {
	if h.status == StatusIdle {
		h.reason = ""
		return
	}
	h.set(StatusIdle, "")
}

func (h *BaseHandler) set(status Status, reason string) {
	old := h.status
	h.status = status
	h.reason = reason

	h.logger.Debug("Stream status changed",
		logging.StringField("from", old.String()),
		logging.StringField("to", status.String()),
		logging.StringField("reason", reason))

	if h.notify != nil {
		h.notify(StatusChange{
			SessionID: h.sessionID,
			Type:      h.kind,
			Old:       old,
			New:       status,
			Reason:    reason,
		})
	}
}

// StartIncoming answers the stream. Streams added to an established session
// are accepted straight away.
func (h *BaseHandler) StartIncoming(opts IncomingOptions) error {
	if h.stream == nil {
		return ErrNoStream
	}
	if opts.IsUpdate {
		return h.ChangeStatus(StatusConnecting, "")
	}
	return h.ChangeStatus(StatusIncoming, "")
}

// StartOutgoing offers the stream, either in a new session that must first
// resolve its routes or as a proposal on an established one.
func (h *BaseHandler) StartOutgoing(isUpdate bool) error {
	if h.stream == nil {
		return ErrNoStream
	}
	if isUpdate {
		return h.ChangeStatus(StatusProposing, "")
	}
	return h.ChangeStatus(StatusWaitingDNSLookup, "")
}

// AudioHandler carries the audio leg. It remembers whether the call was
// taken by the answering machine or merged into a local conference.
type AudioHandler struct {
	*BaseHandler
	answeringMachine bool
	conference       bool
}

func (h *AudioHandler) StartIncoming(opts IncomingOptions) error {
	if err := h.BaseHandler.StartIncoming(opts); err != nil {
		return err
	}
	h.answeringMachine = opts.AnsweringMachine
	h.conference = opts.AddToConference
	if opts.AnsweringMachine {
		h.logger.Info("Audio answered by answering machine")
	}
	return nil
}

// AnsweringMachine reports whether the answering machine took the call.
func (h *AudioHandler) AnsweringMachine() bool { return h.answeringMachine }

// InConference reports whether the call joins the local conference.
func (h *AudioHandler) InConference() bool { return h.conference }

func (h *AudioHandler) Reset() {
	h.BaseHandler.Reset()
	h.answeringMachine = false
	h.conference = false
}

// VideoHandler carries video from the configured capture device.
type VideoHandler struct {
	*BaseHandler
	device string
}

// Device is the capture device in use.
func (h *VideoHandler) Device() string { return h.device }

// ChatHandler carries instant messages.
type ChatHandler struct {
	*BaseHandler
}

// FileTransferHandler sends or receives one file.
type FileTransferHandler struct {
	*BaseHandler
}

func (h *FileTransferHandler) StartOutgoing(isUpdate bool) error {
	if h.stream != nil && h.stream.FileName == "" {
		return errors.New("file transfer without a file name")
	}
	return h.BaseHandler.StartOutgoing(isUpdate)
}

// ScreenSharingHandler shares a screen, either ours through the local
// screen server or the remote one as a viewer.
type ScreenSharingHandler struct {
	*BaseHandler
	serverAddress string
}

// ServerAddress is the local screen server used when sharing our screen.
func (h *ScreenSharingHandler) ServerAddress() string { return h.serverAddress }

// Serving reports whether this side shares its own screen.
func (h *ScreenSharingHandler) Serving() bool {
	return h.stream != nil && h.stream.Role == "server"
}
