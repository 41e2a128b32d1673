// Package service is the Service State Machine: the
// observable-status function of status.go, the Client adapters that
// forward subservice callbacks into it, and the user-driven
// define/activate/deactivate/release transitions, all serialized per
// service by its own mutex.
package service

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/nwfabric/dpb/internal/dispatch"
	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/planner"
	"github.com/nwfabric/dpb/internal/refwatch"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// Manager owns the Reference Watcher of live Service objects and is the
// entry point callers (the Facade) use to create, reach, or enumerate
// services.
type Manager struct {
	gw       *store.Gateway
	planner  *planner.Planner
	networks planner.NetworkResolver
	dispatch *dispatch.Dispatcher
	watcher  *refwatch.Watcher[Service]
}

// NewManager constructs a Service Manager. networks is consulted both by
// the Planner (through planner.Planner) and directly here, to reconnect
// Client adapters to their inferior subservices on recovery.
func NewManager(gw *store.Gateway, p *planner.Planner, networks planner.NetworkResolver, d *dispatch.Dispatcher) *Manager {
	m := &Manager{gw: gw, planner: p, networks: networks, dispatch: d}
	m.watcher = refwatch.New[Service](nil)
	return m
}

// NewService creates a fresh, DORMANT service row and returns its live
// handle.
func (m *Manager) NewService(ctx context.Context) (*Service, error) {
	var id int64
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		id, err = tx.InsertService(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	// A fresh row is INACTIVE with no circuits or subservices, which is
	// newService's initial state, so it is not re-read from the database.
	return m.watcher.Get(id, func(id int64) (*Service, error) {
		return newService(id, m), nil
	})
}

// GetService returns the live handle for id, rehydrating it from the
// Persistence Gateway through recoverService if no live weak reference
// exists.
func (m *Manager) GetService(ctx context.Context, id int64) (*Service, error) {
	return m.watcher.Get(id, func(id int64) (*Service, error) {
		return m.recoverService(ctx, id)
	})
}

// ListServiceIDs enumerates every service id known to the gateway,
// regardless of whether it currently has a live in-memory handle.
func (m *Manager) ListServiceIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		ids, err = tx.ListServiceIDs(ctx)
		return err
	})
	return ids, err
}

// recoverService rehydrates a Service from its persisted intent, circuits
// and subservices, and reconnects one Client adapter per recorded
// subservice so future status callbacks resume driving the state machine.
// Tunnel allocations are not read; they stay in the label table, bound to
// the service id. A subservice whose inferior
// network is no longer configured, or whose handle the network can no
// longer resolve, is skipped rather than failing the whole recovery; the
// service simply proceeds without that client counted until an operator
// intervenes.
func (m *Manager) recoverService(ctx context.Context, id int64) (*Service, error) {
	svc := newService(id, m)

	var (
		row       *store.ServiceRow
		circuits  []store.ServiceCircuitRow
		subs      []store.SubserviceRow
		initiated bool
	)
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var ok bool
		var err error
		row, ok, err = tx.GetService(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errcat.NotFound.Newf("unknown service %d", id)
		}
		circuits, err = tx.ListServiceCircuits(ctx, id)
		if err != nil {
			return err
		}
		subs, err = tx.ListSubservices(ctx, id)
		if err != nil {
			return err
		}
		initiated, err = tx.IsInitiated(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	svc.intent = dpb.Intent(row.Intent)
	svc.initiated = initiated
	svc.request = circuitsToRequest(circuits)
	svc.mu.Unlock()

	for _, sr := range subs {
		net, ok := m.networks.Network(sr.Subnetwork)
		if !ok {
			dlog.Errorf(ctx, "service %d: recover: network %q no longer configured", id, sr.Subnetwork)
			continue
		}
		inferior, ok, err := net.GetService(ctx, sr.SubserviceID)
		if err != nil {
			return nil, errcat.SubserviceFailure.Wrap(err)
		}
		if !ok {
			dlog.Errorf(ctx, "service %d: recover: subservice %s/%s vanished", id, sr.Subnetwork, sr.SubserviceID)
			continue
		}
		status, err := inferior.Status(ctx)
		if err != nil {
			status = dpb.StatusFailed
		}
		svc.attachClient(ctx, sr.Subnetwork, inferior, status)
	}
	return svc, nil
}
