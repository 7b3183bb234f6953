// Package hub implements the module registry and message routing fabric.
// Bundles contribute typed endpoints (input, process, output); messages move
// between them either targeted at a single endpoint or broadcast to every
// endpoint whose capabilities match the message type. The hub is an
// explicitly constructed service injected into its users and closed by its
// owner at shutdown.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/observability"
)

// DefaultQueueSize is the per-endpoint delivery queue depth.
const DefaultQueueSize = 64

// DeliveryResult is the outcome of invoking one endpoint handler.
type DeliveryResult struct {
	EndpointID string
	Response   *Message
	Err        string
}

// OK reports whether the handler settled without an error or panic.
func (r DeliveryResult) OK() bool {
	return r.Err == ""
}

// Delivery is the completion handle for one Send. A blocking send waits on
// it before returning; a fire-and-forget send returns it immediately so
// callers can still observe settlement.
type Delivery struct {
	mu        sync.Mutex
	remaining int
	results   []DeliveryResult
	done      chan struct{}
}

func newDelivery(recipients int) *Delivery {
	d := &Delivery{
		remaining: recipients,
		done:      make(chan struct{}),
	}
	if recipients == 0 {
		close(d.done)
	}
	return d
}

func (d *Delivery) complete(res DeliveryResult) {
	d.mu.Lock()
	d.results = append(d.results, res)
	d.remaining--
	settled := d.remaining == 0
	d.mu.Unlock()

	if settled {
		close(d.done)
	}
}

// Done is closed once every invoked handler has settled.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until all handlers settle or the context is cancelled.
func (d *Delivery) Wait(ctx context.Context) ([]DeliveryResult, error) {
	select {
	case <-d.done:
		return d.Results(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Results returns the settled handler outcomes. Call after Done.
func (d *Delivery) Results() []DeliveryResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeliveryResult, len(d.results))
	copy(out, d.results)
	return out
}

// Recipients returns how many endpoints the message was dispatched to.
func (d *Delivery) Recipients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results) + d.remaining
}

// Err returns the first handler failure, or nil when every handler
// succeeded. Only meaningful once Done is closed.
func (d *Delivery) Err() error {
	for _, res := range d.Results() {
		if !res.OK() {
			return fmt.Errorf("endpoint %s: %s", res.EndpointID, res.Err)
		}
	}
	return nil
}

// SendOptions controls delivery behavior for one Send.
type SendOptions struct {
	// Blocking waits for every invoked handler to settle before Send
	// returns. When false the send is fire-and-forget and the returned
	// Delivery is the only way to observe completion.
	Blocking bool
}

type job struct {
	ctx      context.Context
	msg      *Message
	delivery *Delivery
}

// endpoint pairs a definition with its serial delivery queue. One goroutine
// drains the queue, so targeted messages to the same endpoint are handled
// in hub-observed arrival order.
type endpoint struct {
	def    EndpointDef
	bundle string
	queue  chan job
	stop   chan struct{}

	// senders counts Sends that captured this endpoint before it was
	// retired, so the drain on retirement can wait out their enqueues.
	senders sync.WaitGroup
}

type subscriber struct {
	queue chan *Message
	done  chan struct{}
}

// Hub routes messages between registered endpoints and keeps a bounded
// history of everything dispatched.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	bundles   map[string]string // bundle name -> active version
	subs      map[string]*subscriber
	hist      *history
	queueSize int
	closed    bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistoryCapacity bounds the message history ring buffer.
func WithHistoryCapacity(n int) Option {
	return func(h *Hub) { h.hist = newHistory(n) }
}

// WithQueueSize sets the per-endpoint delivery queue depth.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		endpoints: make(map[string]*endpoint),
		bundles:   make(map[string]string),
		subs:      make(map[string]*subscriber),
		hist:      newHistory(DefaultHistoryCapacity),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every endpoint in the bundle, or none. Registration fails
// with a DuplicateEndpointError when an endpoint id is owned by a different
// active bundle. Re-registering the same bundle at its active version is
// idempotent; a new version replaces the bundle's prior endpoints.
func (h *Hub) Register(b Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	if h.bundles[b.Name] == b.Version {
		return nil
	}

	for _, def := range b.Endpoints {
		id := def.EndpointID()
		if existing, ok := h.endpoints[id]; ok && existing.bundle != b.Name {
			return &DuplicateEndpointError{
				EndpointID:  id,
				OwnerBundle: existing.bundle,
			}
		}
	}

	// Validation passed: retire the bundle's prior version, then install
	// every endpoint.
	for id, ep := range h.endpoints {
		if ep.bundle == b.Name {
			close(ep.stop)
			delete(h.endpoints, id)
		}
	}
	for _, def := range b.Endpoints {
		ep := &endpoint{
			def:    def,
			bundle: b.Name,
			queue:  make(chan job, h.queueSize),
			stop:   make(chan struct{}),
		}
		h.endpoints[def.EndpointID()] = ep
		go h.runEndpoint(ep)
	}
	h.bundles[b.Name] = b.Version
	return nil
}

// Unregister removes a bundle and all of its endpoints.
func (h *Hub) Unregister(bundleName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.bundles[bundleName]; !ok {
		return fmt.Errorf("%w: %s", ErrBundleNotFound, bundleName)
	}

	for id, ep := range h.endpoints {
		if ep.bundle == bundleName {
			close(ep.stop)
			delete(h.endpoints, id)
		}
	}
	delete(h.bundles, bundleName)
	return nil
}

// Lookup returns the definition registered under the endpoint id.
func (h *Hub) Lookup(endpointID string) (EndpointDef, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.endpoints[endpointID]
	if !ok {
		return EndpointDef{}, false
	}
	return ep.def, true
}

// Endpoints returns the ids of all registered endpoints.
func (h *Hub) Endpoints() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Send dispatches a message. With msg.Target set it resolves exactly one
// endpoint and fails with a RoutingError when none matches; without a
// target it fans out to every endpoint whose capabilities include the
// message type, and zero recipients is a no-op rather than an error.
//
// Handler errors and panics are captured as DeliveryResults; they never
// abort delivery to sibling recipients.
func (h *Hub) Send(ctx context.Context, msg *Message, opts SendOptions) (*Delivery, error) {
	mode := "broadcast"
	if msg.Target != "" {
		mode = "targeted"
	}

	ctx, span := observability.StartSpan(ctx, "hub.send",
		trace.WithAttributes(
			observability.Attribute("message.type", msg.Type),
			observability.Attribute("message.mode", mode),
		),
	)
	defer span.End()

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrHubClosed
	}

	var recipients []*endpoint
	if msg.Target != "" {
		ep, ok := h.endpoints[msg.Target]
		if !ok {
			h.mu.RUnlock()
			observability.RecordHubMessage(msg.Type, mode, "routing_error")
			return nil, &RoutingError{Target: msg.Target, Reason: "no such endpoint"}
		}
		recipients = []*endpoint{ep}
	} else {
		for _, ep := range h.endpoints {
			if capabilityMatch(ep.def.Capabilities, msg.Type) {
				recipients = append(recipients, ep)
			}
		}
	}

	for _, ep := range recipients {
		ep.senders.Add(1)
	}

	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	h.hist.append(msg)
	notifySubscribers(subs, msg)

	delivery := newDelivery(len(recipients))
	if len(recipients) == 0 {
		observability.RecordHubMessage(msg.Type, mode, "no_recipients")
		return delivery, nil
	}

	for _, ep := range recipients {
		j := job{ctx: ctx, msg: msg, delivery: delivery}
		select {
		case ep.queue <- j:
		case <-ep.stop:
			delivery.complete(DeliveryResult{
				EndpointID: ep.def.EndpointID(),
				Err:        "endpoint unregistered before delivery",
			})
		case <-ctx.Done():
			delivery.complete(DeliveryResult{
				EndpointID: ep.def.EndpointID(),
				Err:        ctx.Err().Error(),
			})
		}
		ep.senders.Done()
	}

	if opts.Blocking {
		if _, err := delivery.Wait(ctx); err != nil {
			observability.RecordHubMessage(msg.Type, mode, "cancelled")
			return delivery, err
		}
		outcome := "ok"
		if delivery.Err() != nil {
			outcome = "handler_error"
		}
		observability.RecordHubMessage(msg.Type, mode, outcome)
		return delivery, nil
	}

	observability.RecordHubMessage(msg.Type, mode, "dispatched")
	return delivery, nil
}

// GetHistory returns dispatched messages matching the filter, oldest first.
func (h *Hub) GetHistory(filter HistoryFilter) []*Message {
	return h.hist.get(filter)
}

// Subscribe registers a transient observer outside the bundle mechanism.
// The handler receives a copy of every dispatched message on its own
// goroutine; after Unsubscribe it is never invoked again, even for
// messages already queued.
func (h *Hub) Subscribe(id string, fn func(*Message)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, exists := h.subs[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}

	s := &subscriber{
		queue: make(chan *Message, h.queueSize),
		done:  make(chan struct{}),
	}
	h.subs[id] = s

	go func() {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.queue:
				select {
				case <-s.done:
					return
				default:
				}
				fn(msg)
			}
		}
	}()
	return nil
}

// Unsubscribe removes a subscriber. Messages still queued for it are
// dropped.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[id]; ok {
		close(s.done)
		delete(h.subs, id)
	}
}

// State is the hub's serializable snapshot: the retained history plus the
// routing table of endpoint ids to capabilities.
type State struct {
	Entries []*Message          `json:"entries"`
	Routes  map[string][]string `json:"routes"`
}

// ExportState captures history and routes for crash-recovery snapshots.
func (h *Hub) ExportState() State {
	h.mu.RLock()
	routes := make(map[string][]string, len(h.endpoints))
	for id, ep := range h.endpoints {
		caps := make([]string, len(ep.def.Capabilities))
		copy(caps, ep.def.Capabilities)
		routes[id] = caps
	}
	h.mu.RUnlock()

	return State{
		Entries: h.hist.get(HistoryFilter{}),
		Routes:  routes,
	}
}

// ImportState refills the history from a prior snapshot. Routes are not
// restored: they are re-derived from live bundle registration.
func (h *Hub) ImportState(s State) {
	for _, msg := range s.Entries {
		h.hist.append(msg)
	}
}

// Close stops every endpoint worker and subscriber. Messages still queued
// settle as failed deliveries; subsequent Sends fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, ep := range h.endpoints {
		close(ep.stop)
	}
	for _, s := range h.subs {
		close(s.done)
	}
}

func (h *Hub) runEndpoint(ep *endpoint) {
	for {
		select {
		case <-ep.stop:
			h.drainEndpoint(ep)
			return
		case j := <-ep.queue:
			// A retired endpoint stops invoking; anything already queued
			// settles as a failed delivery instead.
			select {
			case <-ep.stop:
				j.delivery.complete(DeliveryResult{
					EndpointID: ep.def.EndpointID(),
					Err:        "endpoint unregistered before delivery",
				})
				h.drainEndpoint(ep)
				return
			default:
			}
			h.invoke(ep, j)
		}
	}
}

// drainEndpoint settles every job still queued on a retired endpoint so a
// blocking sender is never left waiting on a delivery that cannot happen.
// It first waits out senders that captured the endpoint before retirement,
// so no job can slip into the queue after the drain returns.
func (h *Hub) drainEndpoint(ep *endpoint) {
	ep.senders.Wait()
	for {
		select {
		case j := <-ep.queue:
			j.delivery.complete(DeliveryResult{
				EndpointID: ep.def.EndpointID(),
				Err:        "endpoint unregistered before delivery",
			})
		default:
			return
		}
	}
}

// invoke runs one handler, trapping errors and panics at the hub boundary
// so a misbehaving endpoint cannot take down the dispatch loop.
func (h *Hub) invoke(ep *endpoint, j job) {
	start := time.Now()
	res := DeliveryResult{EndpointID: ep.def.EndpointID()}

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Sprintf("handler panic: %v", r)
			}
		}()
		resp, err := ep.def.Handler(j.ctx, j.msg)
		if err != nil {
			res.Err = err.Error()
		} else {
			res.Response = resp
		}
	}()

	observability.RecordDelivery(res.EndpointID, time.Since(start))
	j.delivery.complete(res)
}

func notifySubscribers(subs []*subscriber, msg *Message) {
	for _, s := range subs {
		clone := msg.Clone()
		select {
		case s.queue <- clone:
		case <-s.done:
		default:
			// Slow subscribers lose messages rather than stall dispatch.
		}
	}
}

func capabilityMatch(capabilities []string, msgType string) bool {
	if msgType == "" {
		return false
	}
	for _, c := range capabilities {
		if c == msgType {
			return true
		}
	}
	return false
}
