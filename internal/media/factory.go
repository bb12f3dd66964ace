package media

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/logging"
)

// Factory builds stream handlers and decides which media types this client
// currently supports.
type Factory struct {
	mu       sync.RWMutex
	cfg      *config.Config
	listener StatusListener
	logger   logging.Logger
}

// NewFactory creates a handler factory for cfg.
func NewFactory(cfg *config.Config, logger logging.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// SetConfig swaps in a reloaded configuration.
func (f *Factory) SetConfig(cfg *config.Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// SetListener installs the observer of every handler's status changes.
func (f *Factory) SetListener(l StatusListener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *Factory) notify(change StatusChange) {
	f.mu.RLock()
	l := f.listener
	f.mu.RUnlock()
	if l != nil {
		l(change)
	}
}

// Supported reports whether streams of type t can be handled.
func (f *Factory) Supported(t Type) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch t {
	case Audio:
		return true
	case Video:
		return f.cfg.Video.Device != ""
	case Chat:
		return !f.cfg.Chat.Disabled
	case FileTransfer:
		return !f.cfg.FileTransfer.Disabled
	case ScreenSharing, DesktopSharing:
		return !f.cfg.ScreenSharing.Disabled
	default:
		return false
	}
}

// SupportedStreams keeps the streams whose type is supported.
func (f *Factory) SupportedStreams(streams []*Stream) []*Stream {
	return Filter(streams, func(s *Stream) bool { return f.Supported(s.Type) })
}

// Create builds the handler for stream on behalf of session sessionID.
func (f *Factory) Create(sessionID uint64, stream *Stream) (Handler, error) {
	if stream == nil {
		return nil, ErrNoStream
	}
	if !f.Supported(stream.Type) {
		return nil, errors.Wrapf(ErrUnsupportedType, "%q", stream.Type)
	}

	f.mu.RLock()
	cfg := f.cfg
	f.mu.RUnlock()

	base := newBaseHandler(stream.Type, sessionID, stream, f.notify, f.logger)
	switch stream.Type {
	case Audio:
		return &AudioHandler{BaseHandler: base}, nil
	case Video:
		return &VideoHandler{BaseHandler: base, device: cfg.Video.Device}, nil
	case Chat:
		return &ChatHandler{BaseHandler: base}, nil
	case FileTransfer:
		return &FileTransferHandler{BaseHandler: base}, nil
	default:
		return &ScreenSharingHandler{BaseHandler: base, serverAddress: cfg.ScreenSharing.ServerAddress}, nil
	}
}
