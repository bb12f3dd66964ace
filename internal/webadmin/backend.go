package webadmin

import (
	"context"

	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/incoming"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/registry"
	"github.com/zurustar/callcore/internal/session"
)

// RegistryBackend runs admin requests against a registry on its loop.
type RegistryBackend struct {
	loop     *loop.Loop
	registry *registry.Registry
	history  history.Store
}

// NewRegistryBackend creates a backend. store may be nil.
func NewRegistryBackend(l *loop.Loop, reg *registry.Registry, store history.Store) *RegistryBackend {
	return &RegistryBackend{loop: l, registry: reg, history: store}
}

func (b *RegistryBackend) Sessions(ctx context.Context) ([]session.Snapshot, error) {
	var out []session.Snapshot
	err := b.loop.Call(ctx, func() { out = b.registry.Sessions() })
	return out, err
}

func (b *RegistryBackend) Incoming(ctx context.Context) ([]incoming.Snapshot, error) {
	var out []incoming.Snapshot
	err := b.loop.Call(ctx, func() { out = b.registry.Incoming() })
	return out, err
}

func (b *RegistryBackend) Decide(ctx context.Context, id uint64, action incoming.Action) error {
	var result error
	if err := b.loop.Call(ctx, func() { result = b.registry.Decide(id, action) }); err != nil {
		return err
	}
	return result
}

func (b *RegistryBackend) DecideAll(ctx context.Context, action incoming.Action) error {
	return b.loop.Call(ctx, func() { b.registry.DecideAll(action) })
}

func (b *RegistryBackend) End(ctx context.Context, id uint64) error {
	var result error
	if err := b.loop.Call(ctx, func() { result = b.registry.End(id) }); err != nil {
		return err
	}
	return result
}

func (b *RegistryBackend) Call(ctx context.Context, req CallRequest) (uint64, error) {
	var (
		id     uint64
		result error
	)
	err := b.loop.Call(ctx, func() {
		id, result = b.registry.Call(req.Account, req.Target, req.DisplayName, req.Media...)
	})
	if err != nil {
		return 0, err
	}
	return id, result
}

// History reads the store directly; it does not touch registry state.
func (b *RegistryBackend) History(ctx context.Context, q history.Query) ([]*history.Record, error) {
	if b.history == nil {
		return []*history.Record{}, nil
	}
	return b.history.Recent(ctx, q)
}

var _ Backend = (*RegistryBackend)(nil)
