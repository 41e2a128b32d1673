// Package aggregator is the Facade: the single entry point
// a caller (a human operator through cmd/dpbctl, or a superior aggregator
// treating this one as its own inferior network) uses to manage
// terminals and trunks and to create, reach, and enumerate services. Its
// own mutex guards only the inferior-network registry; terminal, trunk and
// service operations do not take it and are serialized by their database
// transactions alone. The lock ordering rule (a Service's lock is always
// acquired before, never after, the Aggregator's) is honored by never
// calling into service.Service while holding it.
package aggregator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/nwfabric/dpb/internal/dispatch"
	"github.com/nwfabric/dpb/internal/planner"
	"github.com/nwfabric/dpb/internal/service"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/internal/trunk"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// Aggregator is the top-level object a deployment constructs: a Gateway,
// a Trunk Manager, a Planner, a Service Manager and the Event Dispatcher
// backing them, plus the name->network registry a deployment supplies so
// the Planner and recovery path can resolve inferior networks.
type Aggregator struct {
	name string
	gw   *store.Gateway

	mu       sync.RWMutex
	networks map[string]dpb.InferiorNetwork

	trunks   *trunk.Manager
	planner  *planner.Planner
	services *service.Manager
	dispatch *dispatch.Dispatcher
}

// networkTable adapts the Aggregator's own registry to
// planner.NetworkResolver without exposing mutation through that
// narrower interface.
type networkTable struct{ a *Aggregator }

func (n networkTable) Network(name string) (dpb.InferiorNetwork, bool) {
	n.a.mu.RLock()
	defer n.a.mu.RUnlock()
	net, ok := n.a.networks[name]
	return net, ok
}

// New constructs an Aggregator named name, backed by gw, with a worker
// pool of workers concurrent slots for its Event Dispatcher. ctx governs
// the dispatcher's goroutine group's lifetime. If idleSweepInterval is
// positive, the idle trunk reaper is started as a member of that same
// group.
func New(ctx context.Context, name string, gw *store.Gateway, workers int, idleSweepInterval time.Duration) *Aggregator {
	a := &Aggregator{
		name:     name,
		gw:       gw,
		networks: map[string]dpb.InferiorNetwork{},
	}
	a.dispatch = dispatch.New(ctx, workers)
	a.trunks = trunk.NewManager(gw)
	a.planner = planner.New(networkTable{a})
	a.services = service.NewManager(gw, a.planner, networkTable{a}, a.dispatch)
	if idleSweepInterval > 0 {
		a.dispatch.Go("idle-trunk-reaper", func(ctx context.Context) error {
			a.runIdleTrunkReaper(ctx, idleSweepInterval)
			return nil
		})
	}
	return a
}

// runIdleTrunkReaper polls every commissioned trunk's free label count
// every interval and logs a warning when one is exhausted. It never
// mutates state and sits off every request path, purely operational
// visibility for an operator watching logs.
func (a *Aggregator) runIdleTrunkReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepIdleTrunks(ctx)
		}
	}
}

func (a *Aggregator) sweepIdleTrunks(ctx context.Context) {
	rows, err := a.trunks.ListCommissioned(ctx)
	if err != nil {
		dlog.Errorf(ctx, "idle-trunk-reaper: list commissioned trunks: %v", err)
		return
	}
	for _, row := range rows {
		h, err := a.trunks.GetHandle(ctx, row.ID)
		if err != nil {
			dlog.Errorf(ctx, "idle-trunk-reaper: trunk %d: %v", row.ID, err)
			continue
		}
		n, err := h.GetAvailableTunnelCount(ctx)
		if err != nil {
			dlog.Errorf(ctx, "idle-trunk-reaper: trunk %d: %v", row.ID, err)
			continue
		}
		if n == 0 {
			dlog.Warnf(ctx, "idle-trunk-reaper: trunk %d has no free labels left", row.ID)
		}
	}
}

// Name returns the aggregator's configured name.
func (a *Aggregator) Name() string { return a.name }

// Wait blocks until the Event Dispatcher's goroutine group has fully
// drained (every Sequencer exited because its context was cancelled).
func (a *Aggregator) Wait() error { return a.dispatch.Wait() }

// RegisterNetwork makes an inferior network reachable by name, both for
// the Planner's distance-model lookups and for service recovery. A
// deployment calls this once per configured inferior network at startup.
func (a *Aggregator) RegisterNetwork(name string, net dpb.InferiorNetwork) {
	a.mu.Lock()
	a.networks[name] = net
	a.mu.Unlock()
}

// AddTerminal registers a new named terminal backed by a subterminal on
// an inferior network.
func (a *Aggregator) AddTerminal(ctx context.Context, name string, subterm dpb.SubterminalRef) (dpb.TerminalID, error) {
	var id int64
	err := a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		id, err = tx.InsertTerminal(ctx, name, subterm.Subnetwork, subterm.Subname)
		return err
	})
	return dpb.TerminalID(id), err
}

// RemoveTerminal deletes a terminal, failing with errcat.Conflict if it
// is still referenced by a service circuit or a trunk endpoint.
func (a *Aggregator) RemoveTerminal(ctx context.Context, id dpb.TerminalID) error {
	return a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.DeleteTerminal(ctx, int64(id))
	})
}

// GetTerminal looks up a terminal by its configured name.
func (a *Aggregator) GetTerminal(ctx context.Context, name string) (*dpb.Terminal, bool, error) {
	var out *dpb.Terminal
	err := a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, ok, err := tx.GetTerminalByName(ctx, name)
		if err != nil || !ok {
			return err
		}
		out = &dpb.Terminal{ID: dpb.TerminalID(row.ID), Name: row.Name, Subnetwork: row.Subnetwork, Subname: row.Subname}
		return nil
	})
	if out == nil {
		return nil, false, err
	}
	return out, true, err
}

// GetTerminals lists every registered terminal.
func (a *Aggregator) GetTerminals(ctx context.Context) ([]dpb.Terminal, error) {
	var rows []store.TerminalRow
	err := a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		rows, err = tx.ListTerminals(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]dpb.Terminal, len(rows))
	for i, r := range rows {
		out[i] = dpb.Terminal{ID: dpb.TerminalID(r.ID), Name: r.Name, Subnetwork: r.Subnetwork, Subname: r.Subname}
	}
	return out, nil
}

// AddTrunk creates a new commissioned trunk between two subterminals.
func (a *Aggregator) AddTrunk(ctx context.Context, start, end dpb.SubterminalRef, metric int64) (*trunk.Handle, error) {
	return a.trunks.AddTrunk(ctx, start, end, metric)
}

// RemoveTrunk destroys a trunk.
func (a *Aggregator) RemoveTrunk(ctx context.Context, trunkID int64) error {
	return a.trunks.RemoveTrunk(ctx, trunkID)
}

// FindTrunk looks up the trunk handle with subterm as either endpoint.
func (a *Aggregator) FindTrunk(ctx context.Context, subterm dpb.SubterminalRef) (*trunk.Handle, bool, error) {
	return a.trunks.FindTrunk(ctx, subterm)
}

// NewService creates a fresh DORMANT service.
func (a *Aggregator) NewService(ctx context.Context) (*service.Service, error) {
	return a.services.NewService(ctx)
}

// GetService reaches a service by id, recovering it from the Persistence
// Gateway if no live handle is currently cached.
func (a *Aggregator) GetService(ctx context.Context, id dpb.ServiceID) (*service.Service, error) {
	return a.services.GetService(ctx, int64(id))
}

// GetServiceIDs enumerates every service id known to the gateway.
func (a *Aggregator) GetServiceIDs(ctx context.Context) ([]dpb.ServiceID, error) {
	ids, err := a.services.ListServiceIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dpb.ServiceID, len(ids))
	for i, id := range ids {
		out[i] = dpb.ServiceID(id)
	}
	return out, nil
}

// GetModel computes the pairwise minimum-delay distance model across
// every registered terminal at minBandwidth, without allocating anything.
// The result also satisfies dpb.DistanceModel, letting this Aggregator
// itself act as another aggregator's inferior network.
func (a *Aggregator) GetModel(ctx context.Context, minBandwidth uint64) (dpb.DistanceModel, error) {
	terminals, err := a.GetTerminals(ctx)
	if err != nil {
		return nil, err
	}
	subterms := make([]dpb.SubterminalRef, len(terminals))
	for i, t := range terminals {
		subterms[i] = dpb.SubterminalRef{Subnetwork: t.Subnetwork, Subname: t.Subname}
	}

	var model *planner.Model
	err = a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		model, err = a.planner.Model(ctx, tx, minBandwidth, subterms)
		return err
	})
	return model, err
}

// DumpStatus writes a human-readable snapshot of every terminal, trunk,
// and service to out, the read path cmd/dpbctl's dump-status subcommand
// exposes.
func (a *Aggregator) DumpStatus(ctx context.Context, out io.Writer) error {
	terminals, err := a.GetTerminals(ctx)
	if err != nil {
		return err
	}
	var trunks []store.TrunkRow
	if err := a.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		trunks, err = tx.ListTrunks(ctx)
		return err
	}); err != nil {
		return err
	}
	ids, err := a.GetServiceIDs(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "aggregator %q\n", a.name)
	fmt.Fprintf(out, "terminals (%d):\n", len(terminals))
	sort.Slice(terminals, func(i, j int) bool { return terminals[i].Name < terminals[j].Name })
	for _, t := range terminals {
		fmt.Fprintf(out, "  %d %s -> %s/%s\n", t.ID, t.Name, t.Subnetwork, t.Subname)
	}

	fmt.Fprintf(out, "trunks (%d):\n", len(trunks))
	sort.Slice(trunks, func(i, j int) bool { return trunks[i].ID < trunks[j].ID })
	for _, t := range trunks {
		state := "commissioned"
		if !t.Commissioned {
			state = "decommissioned"
		}
		free := "?"
		if h, err := a.trunks.GetHandle(ctx, t.ID); err == nil {
			if n, err := h.GetAvailableTunnelCount(ctx); err == nil {
				free = fmt.Sprintf("%d", n)
			}
		}
		fmt.Fprintf(out, "  %d %s/%s <-> %s/%s metric=%d up=%d down=%d free=%s %s\n",
			t.ID, t.StartNetwork, t.StartName, t.EndNetwork, t.EndName, t.Metric, t.UpCap, t.DownCap, free, state)
	}

	fmt.Fprintf(out, "services (%d):\n", len(ids))
	for _, id := range ids {
		svc, err := a.GetService(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "  %d <error: %v>\n", id, err)
			continue
		}
		fmt.Fprintf(out, "  %d intent=%s status=%s circuits=%d subservices=%s\n",
			id, svc.Intent(), svc.Status(), len(svc.Request()), formatClientCounts(svc.ClientCounts()))
		for _, e := range svc.Errors() {
			fmt.Fprintf(out, "      error: %v\n", e)
		}
	}
	return nil
}

// formatClientCounts renders a service's per-status subservice breakdown
// in a fixed status order, so dumpStatus output stays diffable across
// runs regardless of Go's randomized map iteration.
func formatClientCounts(counts map[dpb.Status]int) string {
	order := []dpb.Status{dpb.StatusDormant, dpb.StatusInactive, dpb.StatusActivating, dpb.StatusActive, dpb.StatusDeactivating, dpb.StatusFailed, dpb.StatusReleasing, dpb.StatusReleased}
	var parts []string
	for _, st := range order {
		if n, ok := counts[st]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}
