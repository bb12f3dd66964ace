package server

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/session"
)

// Server defines the interface for the call core process
type Server interface {
	Run(ctx context.Context) error
	RunWithSignalHandling() error
	Handler() http.Handler
}

// Options supplies the collaborators a host application plugs in. Only
// ConfigPath is required.
type Options struct {
	ConfigPath string
	// Engine is the signaling stack; an offline engine is used when nil.
	Engine   engine.Engine
	Music    session.MusicPlayer
	Prompter session.Prompter
	Clock    clockwork.Clock
	// Logger overrides the logger built from the logging section.
	Logger logging.Logger
}
