package webadmin

import (
	"context"
	"net/http"

	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/incoming"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/session"
)

// AdminServer defines the interface for the web administration surface
type AdminServer interface {
	Handler() http.Handler
	Run(ctx context.Context, port int) error
}

// Backend is the call core as seen by the admin surface. Implementations
// must be safe for concurrent use by request handlers.
type Backend interface {
	Sessions(ctx context.Context) ([]session.Snapshot, error)
	Incoming(ctx context.Context) ([]incoming.Snapshot, error)
	Decide(ctx context.Context, id uint64, action incoming.Action) error
	DecideAll(ctx context.Context, action incoming.Action) error
	End(ctx context.Context, id uint64) error
	Call(ctx context.Context, req CallRequest) (uint64, error)
	History(ctx context.Context, q history.Query) ([]*history.Record, error)
}

// CallRequest places an outgoing call.
type CallRequest struct {
	Account     string       `json:"account"`
	Target      string       `json:"target" validate:"required"`
	DisplayName string       `json:"display_name"`
	Media       []media.Type `json:"media" validate:"dive,oneof=audio video chat file-transfer screen-sharing desktop-sharing"`
}

// DecisionRequest is the body of the decide endpoints.
type DecisionRequest struct {
	Action string `json:"action" validate:"required"`
}

// HTTP endpoints:
// GET  /api/sessions              - live sessions
// POST /api/sessions              - place a call
// POST /api/sessions/{id}/end     - hang up
// GET  /api/incoming              - pending requests
// POST /api/incoming/{id}/decide  - decide one request
// POST /api/incoming/decide-all   - decide every request
// GET  /api/history               - history, newest first
// GET  /ws                        - live event feed
// GET  /metrics                   - Prometheus metrics
