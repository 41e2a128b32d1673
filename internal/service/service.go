package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nwfabric/dpb/internal/dispatch"
	"github.com/nwfabric/dpb/internal/errcat"
	"github.com/nwfabric/dpb/internal/planner"
	"github.com/nwfabric/dpb/internal/store"
	"github.com/nwfabric/dpb/pkg/dpb"
)

// defineFanout bounds how many of a service's sub-requests are dispatched
// to their inferior networks concurrently. Plain
// int, not a config knob: the fan-out is bounded by the number of
// inferior networks a single service can ever reasonably span, not by
// deployment-wide resource limits the way dispatch.workers is.
const defineFanout = 4

// Service is the live, in-memory handle for one persisted service: its
// intent, its Client adapters, and the counters their status reports
// drive. All state but the DB rows it mirrors lives here;
// Manager.GetService is the only way to reach one.
type Service struct {
	id  int64
	mgr *Manager
	seq *dispatch.Sequencer

	mu            sync.Mutex
	intent        dpb.Intent
	initiated     bool
	request       dpb.ServiceRequest
	clients       []*Client
	counts        counters
	failedHandled bool
	releaseBegun  bool
	errs          *multierror.Error
	listeners     []dpb.Listener
}

func newService(id int64, mgr *Manager) *Service {
	return &Service{
		id:     id,
		mgr:    mgr,
		seq:    mgr.dispatch.NewSequencer(fmt.Sprintf("service-%d", id)),
		intent: dpb.IntentInactive,
	}
}

// ID returns the service's persisted id.
func (s *Service) ID() dpb.ServiceID { return dpb.ServiceID(s.id) }

// Status returns the service's current observable status.
func (s *Service) Status() dpb.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return observableStatus(s.intent, s.initiated, len(s.clients), s.counts)
}

// Intent returns the service's persisted control variable.
func (s *Service) Intent() dpb.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// Request returns the circuit request the service was last defined with.
func (s *Service) Request() dpb.ServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(dpb.ServiceRequest(nil), s.request...)
}

// ClientCounts returns, for each of the counted statuses (DORMANT,
// INACTIVE, ACTIVE, FAILED, RELEASED) that at least one client last
// reported, how many clients report it, the per-status subservice
// breakdown DumpStatus prints alongside a service's circuit count.
// Clients whose last report was any other status are not counted.
func (s *Service) ClientCounts() map[dpb.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[dpb.Status]int{}
	for _, st := range []dpb.Status{dpb.StatusDormant, dpb.StatusInactive, dpb.StatusActive, dpb.StatusFailed, dpb.StatusReleased} {
		if n := s.counts.get(st); n > 0 {
			out[st] = n
		}
	}
	return out
}

// Errors returns every error recorded against this service since it was
// last recovered.
func (s *Service) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs == nil {
		return nil
	}
	return append([]error(nil), s.errs.Errors...)
}

// AddListener subscribes l to this service's status events, delivered
// through the Event Dispatcher in submission order.
func (s *Service) AddListener(l dpb.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// RemoveListener undoes AddListener.
func (s *Service) RemoveListener(l dpb.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Service) recordErrorLocked(err error) {
	s.errs = multierror.Append(s.errs, err)
}

// attachClient registers a Client adapter for an inferior subservice,
// counts its initial status, and subscribes for future callbacks. Used by
// both Define (fresh subservices) and Manager.recoverService (reconnected
// subservices).
func (s *Service) attachClient(ctx context.Context, network string, sub dpb.InferiorService, initial dpb.Status) *Client {
	c := &Client{Network: network, sub: sub, svc: s, lastStatus: initial}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.counts.add(initial, 1)
	s.mu.Unlock()
	if err := sub.AddListener(ctx, c); err != nil {
		dlog.Errorf(ctx, "service %d: subscribe to %s: %v", s.id, network, err)
	}
	return c
}

// sanitizeRequest drops circuits whose egress is below 1% of ingress
// before the request is handed to the Planner.
func sanitizeRequest(request dpb.ServiceRequest) dpb.ServiceRequest {
	out := make(dpb.ServiceRequest, 0, len(request))
	for _, cr := range request {
		if cr.Ingress > 0 && cr.Egress*100 < cr.Ingress {
			continue
		}
		out = append(out, cr)
	}
	return out
}

func circuitsToRequest(rows []store.ServiceCircuitRow) dpb.ServiceRequest {
	out := make(dpb.ServiceRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, dpb.CircuitRequest{
			Circuit: dpb.Circuit{Terminal: dpb.TerminalID(r.TerminalID), Label: dpb.Label(r.Label)},
			Ingress: uint64(r.Ingress),
			Egress:  uint64(r.Egress),
			Shaping: r.Shaping,
		})
	}
	return out
}

// subRequestToServiceRequest adapts the Planner's per-network sub-request
// into the ServiceRequest shape InferiorService.Define expects. The
// aggregator-local TerminalID is meaningless inside the inferior network,
// so only the label and bandwidth roles (the part an inferior network
// actually needs to wire its own circuit) cross the boundary; the
// subterminal itself was already implied by which network this
// sub-request was routed to.
func subRequestToServiceRequest(sr planner.SubRequest) dpb.ServiceRequest {
	out := make(dpb.ServiceRequest, 0, len(sr.Circuits))
	for _, sc := range sr.Circuits {
		out = append(out, dpb.CircuitRequest{
			Circuit: dpb.Circuit{Label: sc.Label},
			Ingress: sc.Ingress,
			Egress:  sc.Egress,
			Shaping: sc.Shaping,
		})
	}
	return out
}

// Define plans and commits the service's circuit request: it invokes the
// Planner (which allocates trunk tunnels transactionally), persists the
// sanitized circuit rows, then creates one Client per resulting
// sub-request and hands it its share of the plan,
// fanning the per-network dispatch out across up to defineFanout inferior
// networks concurrently. A service can only be defined once;
// redefinition fails with errcat.ServiceInUse.
func (s *Service) Define(ctx context.Context, request dpb.ServiceRequest) error {
	ctx = dlog.WithField(ctx, "service_id", s.id)
	sanitized := sanitizeRequest(request)
	if len(sanitized) < 2 {
		return errcat.InvalidRequest.New("service: request must have at least 2 circuits after sanitisation")
	}

	s.mu.Lock()
	if s.intent == dpb.IntentRelease {
		s.mu.Unlock()
		return errcat.ServiceReleasing(s.id)
	}
	if s.initiated {
		s.mu.Unlock()
		return errcat.ServiceInUse(s.id)
	}
	s.mu.Unlock()

	terminals := map[dpb.TerminalID]*store.TerminalRow{}
	var result *planner.Result
	err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		for _, cr := range sanitized {
			row, ok, err := tx.GetTerminal(ctx, int64(cr.Circuit.Terminal))
			if err != nil {
				return err
			}
			if !ok {
				return errcat.UnknownTerminal(cr.Circuit.Terminal.String())
			}
			terminals[cr.Circuit.Terminal] = row
		}

		var err error
		result, err = s.mgr.planner.Plan(ctx, tx, s.id, sanitized, terminals)
		if err != nil {
			return err
		}

		for _, cr := range sanitized {
			if err := tx.InsertServiceCircuit(ctx, store.ServiceCircuitRow{
				ServiceID:  s.id,
				TerminalID: int64(cr.Circuit.Terminal),
				Label:      int64(cr.Circuit.Label),
				Ingress:    int64(cr.Ingress),
				Egress:     int64(cr.Egress),
				Shaping:    cr.Shaping,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(defineFanout)
	g, gctx := errgroup.WithContext(ctx)
	for _, sr := range result.SubRequests {
		sr := sr
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			net, ok := s.mgr.networks.Network(sr.Network)
			if !ok {
				return errcat.UnknownSubnetwork(sr.Network)
			}
			inferior, err := net.NewService(gctx)
			if err != nil {
				return errcat.SubserviceFailure.Wrap(err)
			}
			if err := s.mgr.gw.WithTx(gctx, func(ctx context.Context, tx *store.Tx) error {
				return tx.InsertSubservice(ctx, s.id, inferior.ID(), sr.Network)
			}); err != nil {
				return err
			}
			s.attachClient(gctx, sr.Network, inferior, dpb.StatusDormant)
			if err := inferior.Define(gctx, subRequestToServiceRequest(sr)); err != nil {
				return errcat.SubserviceFailure.Wrap(err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.abortDefine(ctx)
		return err
	}

	s.mu.Lock()
	s.initiated = true
	s.request = sanitized
	s.mu.Unlock()
	return nil
}

// abortDefine undoes a partially-committed Define: every subservice
// created so far is unsubscribed and released, the tunnel allocations are
// freed, and the circuit and subservice rows are deleted, leaving the
// service uninitiated as if Define had never been called.
func (s *Service) abortDefine(ctx context.Context) {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.counts = counters{}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.sub.RemoveListener(ctx, c); err != nil {
			dlog.Debugf(ctx, "service %d: rollback unsubscribe %s: %v", s.id, c.Network, err)
		}
		if err := c.sub.Release(ctx); err != nil {
			dlog.Errorf(ctx, "service %d: rollback release %s: %v", s.id, c.Network, err)
		}
	}
	if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.ReleaseTunnels(ctx, s.id); err != nil {
			return err
		}
		if err := tx.DeleteServiceCircuits(ctx, s.id); err != nil {
			return err
		}
		return tx.DeleteSubservices(ctx, s.id)
	}); err != nil {
		dlog.Errorf(ctx, "service %d: rollback define: %v", s.id, err)
		s.mu.Lock()
		s.recordErrorLocked(err)
		s.mu.Unlock()
	}
}

// Activate sets the service's intent to ACTIVE. A no-op when the intent
// already is ACTIVE; fails on a failed or releasing service. If the
// service is initiated, ACTIVATING is emitted and every subservice's
// activation is dispatched; a subservice still establishing is caught up
// later by the INACTIVE→ACTIVATING transition in onClientStatus.
func (s *Service) Activate(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "service_id", s.id)
	s.mu.Lock()
	if s.intent == dpb.IntentActive {
		s.mu.Unlock()
		return nil
	}
	if s.intent == dpb.IntentRelease {
		id := s.id
		released := len(s.clients) == 0 || s.counts.released == len(s.clients)
		s.mu.Unlock()
		if released {
			return errcat.ServiceReleased(id)
		}
		return errcat.ServiceReleasing(id)
	}
	if s.counts.failed > 0 {
		s.mu.Unlock()
		return errcat.IllegalState.Newf("service %d has failed", s.id)
	}
	s.mu.Unlock()

	if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetIntent(ctx, s.id, int(dpb.IntentActive))
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.intent = dpb.IntentActive
	if s.initiated {
		s.emitLocked(ctx, dpb.StatusActivating)
		s.activateClientsLocked(ctx)
	}
	s.mu.Unlock()
	return nil
}

// Deactivate sets the service's intent back to INACTIVE and deactivates
// every currently active client. A no-op unless the intent is ACTIVE.
func (s *Service) Deactivate(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "service_id", s.id)
	s.mu.Lock()
	if s.intent != dpb.IntentActive {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetIntent(ctx, s.id, int(dpb.IntentInactive))
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.intent = dpb.IntentInactive
	s.emitLocked(ctx, dpb.StatusDeactivating)
	if s.counts.inactive+s.counts.failed == len(s.clients) {
		s.emitLocked(ctx, dpb.StatusInactive)
	} else {
		s.deactivateClientsLocked(ctx)
	}
	s.mu.Unlock()
	return nil
}

// Release sets the service's intent to RELEASE. A service still carrying
// active traffic is drained first: DEACTIVATING is emitted and every
// client deactivated, with the release proper starting once the last of
// them reports INACTIVE. Otherwise the release starts immediately; once
// every client has reported RELEASED (or the service never had any), its
// tunnels are withdrawn and its rows deleted. Release is idempotent.
func (s *Service) Release(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "service_id", s.id)
	s.mu.Lock()
	if s.intent == dpb.IntentRelease {
		s.mu.Unlock()
		return nil
	}
	prev := s.intent
	s.mu.Unlock()

	if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetIntent(ctx, s.id, int(dpb.IntentRelease))
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.intent = dpb.IntentRelease
	n := len(s.clients)
	if n == 0 {
		s.emitLocked(ctx, dpb.StatusReleased)
		s.mu.Unlock()
		return s.completeRelease(ctx)
	}
	if prev == dpb.IntentActive && s.counts.active > 0 {
		s.emitLocked(ctx, dpb.StatusDeactivating)
		s.deactivateClientsLocked(ctx)
		s.mu.Unlock()
		return nil
	}
	s.beginReleaseLocked(ctx)
	if s.counts.released == n {
		s.emitLocked(ctx, dpb.StatusReleased)
		s.mu.Unlock()
		return s.completeRelease(ctx)
	}
	s.mu.Unlock()
	return nil
}

// beginReleaseLocked emits RELEASING, frees the service's tunnel
// allocations, and dispatches Release to every client that has not already
// reported RELEASED. Runs at most once per service lifetime; caller must
// hold s.mu.
func (s *Service) beginReleaseLocked(ctx context.Context) {
	if s.releaseBegun {
		return
	}
	s.releaseBegun = true
	s.emitLocked(ctx, dpb.StatusReleasing)
	id := s.id
	s.seq.Submit(ctx, func(ctx context.Context) {
		if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			return tx.ReleaseTunnels(ctx, id)
		}); err != nil {
			dlog.Errorf(ctx, "service %d: release tunnels: %v", id, err)
		}
	})
	for _, c := range s.clients {
		if c.lastStatus == dpb.StatusReleased {
			continue
		}
		c := c
		s.seq.Submit(ctx, func(ctx context.Context) {
			if err := c.sub.Release(ctx); err != nil {
				dlog.Errorf(ctx, "service %d: release %s: %v", s.id, c.Network, err)
			}
		})
	}
}

func (s *Service) activateClientsLocked(ctx context.Context) {
	for _, c := range s.clients {
		c := c
		s.seq.Submit(ctx, func(ctx context.Context) {
			if err := c.sub.Activate(ctx); err != nil {
				dlog.Errorf(ctx, "service %d: activate %s: %v", s.id, c.Network, err)
			}
		})
	}
}

func (s *Service) deactivateClientsLocked(ctx context.Context) {
	for _, c := range s.clients {
		c := c
		if c.lastStatus != dpb.StatusActive && c.lastStatus != dpb.StatusActivating {
			continue
		}
		s.seq.Submit(ctx, func(ctx context.Context) {
			if err := c.sub.Deactivate(ctx); err != nil {
				dlog.Errorf(ctx, "service %d: deactivate %s: %v", s.id, c.Network, err)
			}
		})
	}
}

// completeRelease withdraws the service's tunnel allocations, deletes its
// rows, and evicts its watcher entry. Called either directly (a
// client-less release, after the caller has already emitted RELEASED) or
// asynchronously from onClientStatus once every client has reported
// RELEASED (which emits RELEASED itself before scheduling this). In
// neither case does this method emit anything itself, since by the time
// it runs RELEASED has already been delivered.
func (s *Service) completeRelease(ctx context.Context) error {
	err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.ReleaseTunnels(ctx, s.id); err != nil {
			return err
		}
		return tx.DeleteService(ctx, s.id)
	})
	if err != nil {
		dlog.Errorf(ctx, "service %d: complete release: %v", s.id, err)
		s.mu.Lock()
		s.recordErrorLocked(err)
		s.mu.Unlock()
		return err
	}

	s.mgr.watcher.Forget(s.id)
	return nil
}

// onClientStatus is the Client adapter's entry point into the state
// machine. DORMANT reports after the service has been initiated are
// ignored (a recovering subservice re-announcing its startup status isn't
// a fresh Client); every other report updates the counters and may fire
// one of the state machine's event-emission rules.
func (s *Service) onClientStatus(ctx context.Context, c *Client, status dpb.Status) {
	ctx = dlog.WithField(ctx, "service_id", s.id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initiated && status == dpb.StatusDormant {
		return
	}
	attached := false
	for _, cur := range s.clients {
		if cur == c {
			attached = true
			break
		}
	}
	if !attached {
		// A straggler callback from a subservice this service no longer
		// tracks (rolled-back define, completed release).
		return
	}
	if c.lastStatus != dpb.StatusFailed {
		s.counts.add(c.lastStatus, -1)
	}
	s.counts.add(status, 1)
	c.lastStatus = status

	n := len(s.clients)

	if s.counts.failed > 0 && !s.failedHandled {
		s.failedHandled = true
		s.recordErrorLocked(errcat.SubserviceFailure.Newf("service %d: subservice %s failed", s.id, c.Network))
		if s.intent != dpb.IntentRelease {
			s.intent = dpb.IntentAbort
			if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
				return tx.SetIntent(ctx, s.id, int(dpb.IntentAbort))
			}); err != nil {
				s.recordErrorLocked(err)
			}
		}
		id := s.id
		s.seq.Submit(ctx, func(ctx context.Context) {
			if err := s.mgr.gw.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
				return tx.ReleaseTunnels(ctx, id)
			}); err != nil {
				dlog.Errorf(ctx, "service %d: release tunnels on failure: %v", id, err)
			}
		})
		s.deactivateClientsLocked(ctx)
		s.emitLocked(ctx, dpb.StatusFailed)
		return
	}

	switch {
	case s.intent == dpb.IntentRelease:
		switch {
		case s.counts.released == n:
			s.emitLocked(ctx, dpb.StatusReleased)
			s.seq.Submit(ctx, func(ctx context.Context) {
				_ = s.completeRelease(ctx)
			})
		case !s.releaseBegun && s.counts.active == 0 && s.counts.dormant == 0:
			// The drain requested by Release has finished; move on to
			// releasing the subservices themselves.
			s.beginReleaseLocked(ctx)
		}
	case n > 0 && s.counts.inactive == n && s.intent != dpb.IntentAbort:
		s.emitLocked(ctx, dpb.StatusInactive)
		if s.intent == dpb.IntentActive {
			s.emitLocked(ctx, dpb.StatusActivating)
			s.activateClientsLocked(ctx)
		}
	case n > 0 && s.intent == dpb.IntentActive && s.counts.active == n:
		s.emitLocked(ctx, dpb.StatusActive)
	}
}

// emitLocked submits a status event to every subscribed listener through
// the service's sequencer. Caller must hold s.mu; the snapshot of
// listeners is taken under the lock but delivered outside it.
func (s *Service) emitLocked(ctx context.Context, status dpb.Status) {
	listeners := append([]dpb.Listener(nil), s.listeners...)
	s.seq.Submit(ctx, func(ctx context.Context) {
		for _, l := range listeners {
			l.NewStatus(ctx, status)
		}
	})
}
