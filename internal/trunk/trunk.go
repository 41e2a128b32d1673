// Package trunk is the Trunk Manager: per-trunk capacity
// accounting, tunnel label allocation administration, and peer lookup,
// synchronised by trunk id at the DB level and fronted by a Reference
// Watcher-backed runtime handle so repeated lookups of the same trunk
// share one in-memory object rather than racing independent reads.
package trunk

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/refwatch"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// Manager owns the Reference Watcher of live trunk handles and is the
// single entry point callers use to reach a trunk by id.
type Manager struct {
	gw      *store.Gateway
	watcher *refwatch.Watcher[Handle]
}

// NewManager constructs a Trunk Manager backed by gw.
func NewManager(gw *store.Gateway) *Manager {
	m := &Manager{gw: gw}
	m.watcher = refwatch.New[Handle](nil)
	return m
}

// Handle is the in-memory runtime handle for one trunk. All state lives
// in the DB; Handle only carries the id and the disabled bit.
type Handle struct {
	id  int64
	mgr *Manager

	mu       sync.RWMutex
	disabled bool
}

// ID returns the trunk's database id.
func (h *Handle) ID() int64 { return h.id }

func (h *Handle) checkEnabled() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.disabled {
		return errcat.TrunkRemoved(h.id)
	}
	return nil
}

func (h *Handle) disable() {
	h.mu.Lock()
	h.disabled = true
	h.mu.Unlock()
}

// GetHandle returns the live handle for trunkID, recovering it (a simple
// existence check against the DB) if not already cached.
func (m *Manager) GetHandle(ctx context.Context, trunkID int64) (*Handle, error) {
	return m.watcher.Get(trunkID, func(id int64) (*Handle, error) {
		var exists bool
		err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			_, ok, err := tx.GetTrunk(ctx, id)
			if err != nil {
				return err
			}
			exists = ok
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errcat.UnknownTrunk(id)
		}
		return &Handle{id: id, mgr: m}, nil
	})
}

// AddTrunk creates a new trunk between two subterminals and returns its
// handle.
func (m *Manager) AddTrunk(ctx context.Context, start, end dpb.SubterminalRef, metric int64) (*Handle, error) {
	var id int64
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		id, err = tx.InsertTrunk(ctx, start, end, metric)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.GetHandle(ctx, id)
}

// FindTrunk returns the handle for the trunk with subterm as either
// endpoint, backing the Facade's FindTrunk.
func (m *Manager) FindTrunk(ctx context.Context, subterm dpb.SubterminalRef) (*Handle, bool, error) {
	var id int64
	var found bool
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, ok, err := tx.FindTrunk(ctx, subterm)
		if err != nil {
			return err
		}
		found = ok
		if ok {
			id = row.ID
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	h, err := m.GetHandle(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// ListCommissioned returns a row snapshot of every commissioned trunk, the
// candidate edge set for the Planner.
func (m *Manager) ListCommissioned(ctx context.Context) ([]store.TrunkRow, error) {
	var rows []store.TrunkRow
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		rows, err = tx.ListCommissionedTrunks(ctx)
		return err
	})
	return rows, err
}

// RemoveTrunk destroys a trunk: deletes its DB row (failing with
// LabelsInUse if any tunnel is still allocated on it) and, only once that
// commit has actually happened, disables the in-memory handle and evicts
// it from the watcher. Both updates are driven from the same
// transaction's commit hook, never as two separate steps.
func (m *Manager) RemoveTrunk(ctx context.Context, trunkID int64) error {
	err := m.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.DeleteTrunk(ctx, trunkID); err != nil {
			return err
		}
		tx.AddCommitHook(func() {
			if h, ok := m.watcher.GetBase(trunkID); ok {
				h.disable()
			}
			m.watcher.Forget(trunkID)
		})
		return nil
	})
	if err != nil {
		return err
	}
	dlog.Debugf(ctx, "trunk: removed trunk %d", trunkID)
	return nil
}

// ProvideBandwidth increases the trunk's residual capacity.
func (h *Handle) ProvideBandwidth(ctx context.Context, up, down uint64) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.ProvideBandwidth(ctx, h.id, int64(up), int64(down))
	})
}

// WithdrawBandwidth decreases the trunk's residual capacity, failing with
// InsufficientCapacity if either residual would go negative.
func (h *Handle) WithdrawBandwidth(ctx context.Context, up, down uint64) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.WithdrawBandwidth(ctx, h.id, int64(up), int64(down))
	})
}

// SetDelay updates the trunk's propagation metric.
func (h *Handle) SetDelay(ctx context.Context, metric uint32) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetDelay(ctx, h.id, int64(metric))
	})
}

// GetDelay returns the trunk's current propagation metric.
func (h *Handle) GetDelay(ctx context.Context) (uint32, error) {
	if err := h.checkEnabled(); err != nil {
		return 0, err
	}
	var metric int64
	err := h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, ok, err := tx.GetTrunk(ctx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return errcat.UnknownTrunk(h.id)
		}
		metric = row.Metric
		return nil
	})
	return uint32(metric), err
}

// GetTrunk returns a point-in-time snapshot of the trunk row, used by the
// Handle's commissioned-state and endpoint getters.
func (h *Handle) GetTrunk(ctx context.Context) (*store.TrunkRow, error) {
	if err := h.checkEnabled(); err != nil {
		return nil, err
	}
	var row *store.TrunkRow
	err := h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		r, ok, err := tx.GetTrunk(ctx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return errcat.UnknownTrunk(h.id)
		}
		row = r
		return nil
	})
	return row, err
}

// DefineLabelRange inserts amount tuples (startBase+i, endBase+i). Fails
// with Conflict (LabelsInUse) on any collision.
func (h *Handle) DefineLabelRange(ctx context.Context, startBase, endBase dpb.Label, amount int) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.DefineLabelRange(ctx, h.id, int64(startBase), int64(endBase), amount)
	})
}

// RevokeStartLabelRange deletes amount free tuples keyed by start_label.
func (h *Handle) RevokeStartLabelRange(ctx context.Context, startBase dpb.Label, amount int) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.RevokeStartLabelRange(ctx, h.id, int64(startBase), amount)
	})
}

// RevokeEndLabelRange deletes amount free tuples keyed by end_label.
func (h *Handle) RevokeEndLabelRange(ctx context.Context, endBase dpb.Label, amount int) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.RevokeEndLabelRange(ctx, h.id, int64(endBase), amount)
	})
}

// GetPeer looks up the peer label across the trunk for circuit.
func (h *Handle) GetPeer(ctx context.Context, circuit dpb.Circuit, fromStart bool) (dpb.Label, bool, error) {
	if err := h.checkEnabled(); err != nil {
		return 0, false, err
	}
	var (
		peer int64
		ok   bool
	)
	err := h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		peer, ok, err = tx.GetPeer(ctx, h.id, int64(circuit.Label), fromStart)
		return err
	})
	return dpb.Label(peer), ok, err
}

// GetAvailableTunnelCount returns the number of free label tuples on the
// trunk.
func (h *Handle) GetAvailableTunnelCount(ctx context.Context) (int, error) {
	if err := h.checkEnabled(); err != nil {
		return 0, err
	}
	var n int
	err := h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		var err error
		n, err = tx.GetAvailableTunnelCount(ctx, h.id)
		return err
	})
	return n, err
}

// IsCommissioned reports whether the trunk is currently part of the
// Planner's candidate set.
func (h *Handle) IsCommissioned(ctx context.Context) (bool, error) {
	row, err := h.GetTrunk(ctx)
	if err != nil {
		return false, err
	}
	return row.Commissioned, nil
}

// GetStartTerminal returns the subterminal at the trunk's start end.
func (h *Handle) GetStartTerminal(ctx context.Context) (dpb.SubterminalRef, error) {
	row, err := h.GetTrunk(ctx)
	if err != nil {
		return dpb.SubterminalRef{}, err
	}
	return dpb.SubterminalRef{Subnetwork: row.StartNetwork, Subname: row.StartName}, nil
}

// GetEndTerminal returns the subterminal at the trunk's end end.
func (h *Handle) GetEndTerminal(ctx context.Context) (dpb.SubterminalRef, error) {
	row, err := h.GetTrunk(ctx)
	if err != nil {
		return dpb.SubterminalRef{}, err
	}
	return dpb.SubterminalRef{Subnetwork: row.EndNetwork, Subname: row.EndName}, nil
}

// Reverse returns the same trunk viewed end-to-start: the terminals swap
// and the bandwidth directions swap with them. Both views share the one
// underlying handle, so disabling the trunk disables them together.
func (h *Handle) Reverse() Reversed { return Reversed{h: h} }

// Reversed is a Handle with its orientation flipped. Orientation-neutral
// operations are reached through the underlying Handle.
type Reversed struct {
	h *Handle
}

// Handle returns the underlying start-to-end view.
func (r Reversed) Handle() *Handle { return r.h }

// Reverse flips the view back.
func (r Reversed) Reverse() *Handle { return r.h }

func (r Reversed) GetStartTerminal(ctx context.Context) (dpb.SubterminalRef, error) {
	return r.h.GetEndTerminal(ctx)
}

func (r Reversed) GetEndTerminal(ctx context.Context) (dpb.SubterminalRef, error) {
	return r.h.GetStartTerminal(ctx)
}

// ProvideBandwidth adds capacity with the directions swapped to match the
// reversed orientation.
func (r Reversed) ProvideBandwidth(ctx context.Context, up, down uint64) error {
	return r.h.ProvideBandwidth(ctx, down, up)
}

// WithdrawBandwidth removes capacity with the directions swapped to match
// the reversed orientation.
func (r Reversed) WithdrawBandwidth(ctx context.Context, up, down uint64) error {
	return r.h.WithdrawBandwidth(ctx, down, up)
}

// GetPeer resolves a peer label from the reversed orientation: a lookup
// from this view's start is a lookup from the underlying trunk's end.
func (r Reversed) GetPeer(ctx context.Context, circuit dpb.Circuit, fromStart bool) (dpb.Label, bool, error) {
	return r.h.GetPeer(ctx, circuit, !fromStart)
}

// Decommission hides the trunk from planning without touching its
// existing allocations.
func (h *Handle) Decommission(ctx context.Context) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetCommissioned(ctx, h.id, false)
	})
}

// Recommission reverses Decommission.
func (h *Handle) Recommission(ctx context.Context) error {
	if err := h.checkEnabled(); err != nil {
		return err
	}
	return h.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetCommissioned(ctx, h.id, true)
	})
}

// AllocateTunnel claims a free label tuple on the trunk for service,
// decrementing residual capacity in the same transaction.
func (h *Handle) AllocateTunnel(ctx context.Context, tx *store.Tx, serviceID int64, up, down uint64) (dpb.Label, error) {
	if err := h.checkEnabled(); err != nil {
		return 0, err
	}
	start, err := tx.AllocateTunnel(ctx, h.id, serviceID, up, down)
	return dpb.Label(start), err
}
