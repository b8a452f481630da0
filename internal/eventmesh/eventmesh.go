// Package eventmesh implements the declarative pub/sub bus every subsystem
// publishes domain events onto. Routes are matched against dotted,
// glob-capable event names; publication fans out to per-subscriber bounded
// inboxes drained by a dedicated goroutine, same shape as the teacher's core
// Bus uses for its engines, with priority-aware backpressure on overflow.
package eventmesh

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/grace-platform/control-plane/internal/graceerr"
)

// Priority decides what happens when a subscriber's inbox is full (see
// enqueue): Low events are dropped, Normal events are retried briefly, and
// High/Critical events block for up to backpressureBlockWindow. Each inbox
// is a FIFO channel, so priority does not reorder events already queued.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DefaultSubscriberTimeout bounds how long a subscriber's handler may run
// before its context is cancelled, so one slow consumer can't starve its
// own inbox indefinitely.
const DefaultSubscriberTimeout = 5 * time.Second

// DefaultHistorySize is the ring buffer depth for event replay/inspection.
const DefaultHistorySize = 1000

// DefaultSubscriberQueueSize bounds each subscriber's inbox.
const DefaultSubscriberQueueSize = 256

// backpressureRetries/backpressureRetryDelay govern the "retry" behavior
// for PriorityNormal events whose subscriber inbox is momentarily full.
const backpressureRetries = 3

const backpressureRetryDelay = 5 * time.Millisecond

// backpressureBlockWindow bounds how long a PriorityHigh/PriorityCritical
// delivery may block on a full inbox before giving up.
const backpressureBlockWindow = 2 * time.Second

// Event is one message published on the mesh.
type Event struct {
	Name      string                 `json:"name"`
	Priority  Priority               `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	Audit     bool                   `json:"audit"`
	Alert     bool                   `json:"alert"`
	Timestamp time.Time              `json:"timestamp"`
	Sequence  int64                  `json:"sequence"`
}

// Handler receives events matching a subscription.
type Handler func(ctx context.Context, e Event) error

// RouteRule is one entry of the declarative route table: the subscribers
// listed for events whose dotted name matches Pattern (glob-capable, e.g.
// "mesh.component.*"). The table is returned by Routes and AllRoutes for
// inspection; Publish does not consult it. Delivery goes to handlers
// registered with Subscribe, matched by their own patterns, and neither
// Subscribers nor GroupSubscribers is resolved into a delivery.
type RouteRule struct {
	Pattern          string   `yaml:"pattern"`
	Subscribers      []string `yaml:"subscribers"`
	GroupSubscribers []string `yaml:"group_subscribers,omitempty"`
}

func matchesPattern(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	if err == nil && ok {
		return true
	}
	// path.Match treats "." like any other rune, so dotted hierarchy
	// globs ("mesh.component.*") already work via '*' and '?'; the
	// fallback below additionally supports a trailing ".**" meaning
	// "this segment and everything beneath it".
	if strings.HasSuffix(pattern, ".**") {
		prefix := strings.TrimSuffix(pattern, ".**")
		return name == prefix || strings.HasPrefix(name, prefix+".")
	}
	return false
}

// AuditSink records events flagged Audit=true before they are delivered.
type AuditSink interface {
	RecordEvent(ctx context.Context, e Event) error
}

// AlertSink receives events flagged Alert=true, in addition to normal
// subscriber fan-out.
type AlertSink interface {
	Notify(ctx context.Context, e Event) error
}

// subscription is one subscriber's bounded inbox and the worker goroutine
// draining it. handler.failure and event.dropped are derived from what
// happens here, never from Publish itself.
type subscription struct {
	id      string
	pattern string
	name    string
	handler Handler
	inbox   chan Event
	stop    chan struct{}
}

// Bus is the Event Mesh: route table, ring buffer history, subscription
// table, and per-subscriber fan-out.
type Bus struct {
	mu          sync.RWMutex
	routes      []RouteRule
	subscribers map[string][]*subscription // pattern -> subscriptions
	byID        map[string]*subscription
	history     []Event
	historySize int
	seq         int64
	limiter     *rate.Limiter
	subTimeout  time.Duration
	queueSize   int
	auditSink   AuditSink
	alertSink   AlertSink
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

// WithSubscriberTimeout overrides DefaultSubscriberTimeout.
func WithSubscriberTimeout(d time.Duration) Option {
	return func(b *Bus) { b.subTimeout = d }
}

// WithSubscriberQueueSize overrides DefaultSubscriberQueueSize, the bound on
// each subscriber's inbox channel.
func WithSubscriberQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithRateLimit caps sustained publish throughput; burst allows short
// spikes (e.g. a component replaying a backlog) above the steady rate.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(b *Bus) { b.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst) }
}

// WithAuditSink attaches the audit log so Audit=true events are recorded
// before delivery.
func WithAuditSink(sink AuditSink) Option {
	return func(b *Bus) { b.auditSink = sink }
}

// WithAlertSink attaches a notification sink for Alert=true events.
func WithAlertSink(sink AlertSink) Option {
	return func(b *Bus) { b.alertSink = sink }
}

// New builds a Bus with the given routes and options.
func New(routes []RouteRule, opts ...Option) *Bus {
	b := &Bus{
		routes:      routes,
		subscribers: make(map[string][]*subscription),
		byID:        make(map[string]*subscription),
		historySize: DefaultHistorySize,
		subTimeout:  DefaultSubscriberTimeout,
		queueSize:   DefaultSubscriberQueueSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetRoutes replaces the route table, e.g. on a hot-reload of the routes
// file.
func (b *Bus) SetRoutes(routes []RouteRule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = routes
}

// Subscribe registers handler under subscriberName to receive events
// matching pattern and returns the subscription_id needed to Unsubscribe.
func (b *Bus) Subscribe(pattern, subscriberName string, handler Handler) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("pattern required")
	}
	if handler == nil {
		return "", fmt.Errorf("handler required")
	}

	b.mu.Lock()
	s := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		name:    subscriberName,
		handler: handler,
		inbox:   make(chan Event, b.queueSize),
		stop:    make(chan struct{}),
	}
	b.subscribers[pattern] = append(b.subscribers[pattern], s)
	b.byID[s.id] = s
	subTimeout := b.subTimeout
	b.mu.Unlock()

	go b.drain(s, subTimeout)
	return s.id, nil
}

// Unsubscribe removes a subscription and stops its worker. Events already
// queued in its inbox are discarded.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("subscription %q not found", id)
	}
	delete(b.byID, id)
	list := b.subscribers[s.pattern]
	for i, x := range list {
		if x.id == id {
			b.subscribers[s.pattern] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(s.stop)
	return nil
}

// drain runs s's handler for every event enqueued to its inbox until
// Unsubscribe stops it. A handler error is surfaced as handler.failure
// rather than ever halting fan-out to other subscribers.
func (b *Bus) drain(s *subscription, timeout time.Duration) {
	for {
		select {
		case <-s.stop:
			return
		case e, ok := <-s.inbox:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := s.handler(ctx, e)
			cancel()
			if err != nil {
				b.publishInternal("handler.failure", PriorityNormal, map[string]interface{}{
					"subscriber": s.name,
					"event":      e.Name,
					"sequence":   e.Sequence,
					"error":      err.Error(),
				}, false, false)
			}
		}
	}
}

// subscribersFor resolves which subscriptions should receive an event name.
func (b *Bus) subscribersFor(name string) []*subscription {
	var out []*subscription
	for pattern, subs := range b.subscribers {
		if matchesPattern(pattern, name) {
			out = append(out, subs...)
		}
	}
	return out
}

// Routes returns the route rules matching name, for inspection/debugging.
func (b *Bus) Routes(name string) []RouteRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []RouteRule
	for _, r := range b.routes {
		if matchesPattern(r.Pattern, name) {
			out = append(out, r)
		}
	}
	return out
}

// AllRoutes returns the full configured route table, for the active-mesh
// inspection endpoint.
func (b *Bus) AllRoutes() []RouteRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RouteRule, len(b.routes))
	copy(out, b.routes)
	return out
}

// Publish fans an event out to every matching subscriber's inbox, without
// deduplication: if two subscriptions registered under the same name both
// match the event, that subscriber receives the event twice. Audit-flagged events are recorded
// before fan-out begins.
func (b *Bus) Publish(ctx context.Context, name string, priority Priority, payload map[string]interface{}, audit, alert bool) error {
	if b.limiter != nil && !b.limiter.Allow() {
		return graceerr.New(graceerr.KindBackendUnavailable, "event mesh publish rate limit exceeded")
	}

	e, auditSink, alertSink := b.recordAndRoute(name, priority, payload, audit, alert)

	if audit && auditSink != nil {
		if err := auditSink.RecordEvent(ctx, e); err != nil {
			return graceerr.AuditWriteError(err)
		}
	}

	for _, s := range b.subscribersFor(name) {
		b.enqueue(ctx, s, e)
	}

	if alert && alertSink != nil {
		_ = alertSink.Notify(ctx, e)
	}

	return nil
}

// publishInternal is Publish without the rate limiter, used for events the
// mesh emits about its own delivery (handler.failure, event.dropped) so a
// saturated publish rate never silences the mesh's own diagnostics.
func (b *Bus) publishInternal(name string, priority Priority, payload map[string]interface{}, audit, alert bool) {
	e, auditSink, alertSink := b.recordAndRoute(name, priority, payload, audit, alert)
	ctx := context.Background()
	if audit && auditSink != nil {
		_ = auditSink.RecordEvent(ctx, e)
	}
	for _, s := range b.subscribersFor(name) {
		b.enqueue(ctx, s, e)
	}
	if alert && alertSink != nil {
		_ = alertSink.Notify(ctx, e)
	}
}

func (b *Bus) recordAndRoute(name string, priority Priority, payload map[string]interface{}, audit, alert bool) (Event, AuditSink, AlertSink) {
	b.mu.Lock()
	b.seq++
	e := Event{
		Name:      name,
		Priority:  priority,
		Payload:   payload,
		Audit:     audit,
		Alert:     alert,
		Timestamp: time.Now().UTC(),
		Sequence:  b.seq,
	}
	b.history = append(b.history, e)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	auditSink := b.auditSink
	alertSink := b.alertSink
	b.mu.Unlock()
	return e, auditSink, alertSink
}

// enqueue delivers e to s's inbox, applying the backpressure rule: a full
// inbox drops PriorityLow events (emitting event.dropped), retries
// PriorityNormal a bounded number of times, and blocks briefly for
// PriorityHigh/PriorityCritical before giving up.
func (b *Bus) enqueue(ctx context.Context, s *subscription, e Event) {
	select {
	case s.inbox <- e:
		return
	default:
	}

	switch e.Priority {
	case PriorityCritical, PriorityHigh:
		timer := time.NewTimer(backpressureBlockWindow)
		defer timer.Stop()
		select {
		case s.inbox <- e:
		case <-timer.C:
		case <-ctx.Done():
		}
	case PriorityNormal:
		for i := 0; i < backpressureRetries; i++ {
			time.Sleep(backpressureRetryDelay)
			select {
			case s.inbox <- e:
				return
			default:
			}
		}
		b.emitDropped(s, e)
	default:
		b.emitDropped(s, e)
	}
}

func (b *Bus) emitDropped(s *subscription, e Event) {
	b.publishInternal("event.dropped", PriorityNormal, map[string]interface{}{
		"subscriber": s.name,
		"event":      e.Name,
		"sequence":   e.Sequence,
		"priority":   e.Priority,
	}, false, false)
}

// History returns up to n most recent events, newest last.
func (b *Bus) History(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
