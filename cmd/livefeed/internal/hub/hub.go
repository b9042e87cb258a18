// Package hub fans live holdings out to websocket clients. Clients subscribe
// to scopes; the hub keeps one registry lease and one Redis channel per scope
// for as long as any client watches it.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/protocol"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/registry"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/repository"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/series"
	"github.com/shubham-shewale/portfolio-live/cmd/livefeed/internal/stream"
	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

const maxScopeLen = 128

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// Leaser hands out shared live sessions.
type Leaser interface {
	Acquire(ctx context.Context, scope string) (*registry.Lease, error)
}

type Options struct {
	ChartWindow    time.Duration // used when a chart request names no window
	ChartTimeout   time.Duration
	AcquireTimeout time.Duration // bounds opening a new scope
}

type scopeFeed struct {
	lease      *registry.Lease
	refCount   int
	unsubState func()
}

type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool
	feeds       map[string]*scopeFeed

	store    repository.SnapshotStore
	sessions Leaser
	opts     Options
	logger   *zap.Logger
	mu       sync.RWMutex
}

func NewHub(store repository.SnapshotStore, sessions Leaser, opts Options, logger *zap.Logger) *Hub {
	if opts.ChartTimeout <= 0 {
		opts.ChartTimeout = 10 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	return &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		feeds:       make(map[string]*scopeFeed),
		store:       store,
		sessions:    sessions,
		opts:        opts,
		logger:      logger,
	}
}

// Run relays snapshots announced on Redis to subscribed clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.store.RunPubSub(ctx, h.Broadcast)
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	case protocol.ActionChart:
		h.handleChart(client, req)
	case protocol.ActionRefresh:
		h.handleRefresh(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func validScope(s string) bool {
	return len(s) <= maxScopeLen && !strings.ContainsAny(s, " \t\r\n")
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	var (
		added    []string
		rejected []string
		pending  []string
		welcomes []welcome
	)

	// Scopes already fed are joined under the lock. New ones are opened
	// outside it: that fetches holdings from the backend.
	h.mu.Lock()
	for _, scope := range req.Payload.Scopes {
		if !validScope(scope) {
			rejected = append(rejected, scope)
			continue
		}
		// Idempotency: Ignore if already subscribed
		if h.clientSubs[client][scope] {
			continue
		}
		feed, ok := h.feeds[scope]
		if !ok {
			pending = append(pending, scope)
			continue
		}
		feed.refCount++
		added = append(added, scope)
		welcomes = append(welcomes, h.join(client, scope, feed))
	}
	h.mu.Unlock()

	for _, scope := range pending {
		lease, err := h.openLease(scope)
		if err != nil {
			h.logger.Error("Failed to open scope", zap.String("scope", scope), zap.Error(err))
			rejected = append(rejected, scope)
			continue
		}

		h.mu.Lock()
		w, created, ok := h.attach(client, scope, lease)
		h.mu.Unlock()

		if !ok {
			// subscribed twice in one request, or another client opened the scope first
			lease.Release()
			if w == nil {
				continue
			}
		}
		if created {
			if err := h.store.SubscribeToFeed(context.Background(), scope); err != nil {
				h.logger.Error("Failed to subscribe upstream", zap.String("scope", scope), zap.Error(err))
			}
		}
		added = append(added, scope)
		welcomes = append(welcomes, *w)
	}

	if len(added) == 0 {
		msg := "No valid/new scopes provided"
		if len(rejected) > 0 {
			msg = fmt.Sprintf("Could not subscribe to %q", rejected)
		}
		h.sendError(client, req.ID, msg)
		return
	}

	h.sendAck(client, req.ID, fmt.Sprintf("Subscribed to %q", added))
	for _, w := range welcomes {
		client.SendJSON(protocol.WSResponse{Type: protocol.TypeHoldings, Data: w.snapshot})
		client.SendJSON(protocol.WSResponse{Type: protocol.TypeStatus, Data: w.status})
	}
}

// welcome is what a client receives for each scope it joins.
type welcome struct {
	snapshot models.HoldingsSnapshot
	status   protocol.StatusData
}

func (h *Hub) openLease(scope string) (*registry.Lease, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AcquireTimeout)
	defer cancel()
	return h.sessions.Acquire(ctx, scope)
}

// attach must be called with h.mu held. It joins client to scope, creating
// the feed around lease when none exists. ok is false when lease was not
// kept; w is nil when the client already watched scope.
func (h *Hub) attach(client ClientInterface, scope string, lease *registry.Lease) (w *welcome, created, ok bool) {
	if h.clientSubs[client][scope] {
		return nil, false, false
	}
	if feed, exists := h.feeds[scope]; exists {
		feed.refCount++
		jw := h.join(client, scope, feed)
		return &jw, false, false
	}

	feed := &scopeFeed{lease: lease, refCount: 1}
	feed.unsubState = lease.Session.Manager.States.Subscribe(func(s stream.State) {
		h.broadcastJSON(scope, protocol.WSResponse{
			Type: protocol.TypeStatus,
			Data: protocol.StatusData{Scope: scope, State: s.Phase.String(), Attempt: s.Attempt},
		})
	})
	h.feeds[scope] = feed
	jw := h.join(client, scope, feed)
	return &jw, true, true
}

// join must be called with h.mu held and feed already counting client.
func (h *Hub) join(client ClientInterface, scope string, feed *scopeFeed) welcome {
	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}
	h.clientSubs[client][scope] = true
	if h.subscribers[scope] == nil {
		h.subscribers[scope] = make(map[ClientInterface]bool)
	}
	h.subscribers[scope][client] = true

	st := feed.lease.Session.Manager.State()
	return welcome{
		snapshot: feed.lease.Session.Holdings.Snapshot(),
		status:   protocol.StatusData{Scope: scope, State: st.Phase.String(), Attempt: st.Attempt},
	}
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	var (
		removed []string
		drop    []*registry.Lease
	)
	if subs, ok := h.clientSubs[client]; ok {
		for _, scope := range req.Payload.Scopes {
			if subs[scope] {
				delete(subs, scope)
				delete(h.subscribers[scope], client)
				removed = append(removed, scope)
				drop = h.decreaseRefCount(scope, drop)
			}
		}
	}
	h.mu.Unlock()
	releaseAll(drop)

	if len(removed) > 0 {
		h.sendAck(client, req.ID, fmt.Sprintf("Unsubscribed from %q", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %q", req.Payload.Scopes))
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	var drop []*registry.Lease
	if subs, ok := h.clientSubs[client]; ok {
		for scope := range subs {
			delete(h.subscribers[scope], client)
			drop = h.decreaseRefCount(scope, drop)
		}
		// Clear the map but keep the client registered
		h.clientSubs[client] = make(map[string]bool)
	}
	h.mu.Unlock()
	releaseAll(drop)

	h.sendAck(client, req.ID, "Unsubscribed from all scopes")
}

func (h *Hub) handleChart(client ClientInterface, req protocol.WSRequest) {
	scope := req.Payload.Scope

	window := h.opts.ChartWindow
	switch w := req.Payload.Window; w {
	case "":
	case "all":
		window = series.All
	default:
		d, err := time.ParseDuration(w)
		if err != nil || d < 0 {
			h.sendError(client, req.ID, "Invalid window: "+w)
			return
		}
		window = d
	}

	h.mu.RLock()
	var session *registry.Session
	if h.clientSubs[client][scope] {
		session = h.feeds[scope].lease.Session
	}
	h.mu.RUnlock()

	if session == nil {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %q", scope))
		return
	}

	// Off the read pump; history comes from the backend
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.ChartTimeout)
		defer cancel()

		points, err := session.Chart(ctx, req.Payload.Subject, window)
		if err != nil {
			h.logger.Warn("Chart failed", zap.String("scope", scope), zap.String("subject", req.Payload.Subject), zap.Error(err))
			h.sendError(client, req.ID, "Chart unavailable")
			return
		}
		client.SendJSON(protocol.WSResponse{
			Type: protocol.TypeChart,
			ID:   req.ID,
			Data: protocol.ChartData{Scope: scope, Subject: req.Payload.Subject, Window: window.String(), Points: points},
		})
	}()
}

func (h *Hub) handleRefresh(client ClientInterface, req protocol.WSRequest) {
	scope := req.Payload.Scope

	h.mu.RLock()
	var session *registry.Session
	if h.clientSubs[client][scope] {
		session = h.feeds[scope].lease.Session
	}
	h.mu.RUnlock()

	if session == nil {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %q", scope))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.ChartTimeout)
		defer cancel()

		if err := session.Refresh(ctx); err != nil {
			h.logger.Warn("Refresh failed", zap.String("scope", scope), zap.Error(err))
			h.sendError(client, req.ID, "Refresh failed")
			return
		}
		h.sendAck(client, req.ID, fmt.Sprintf("Refreshed %q", scope))
	}()
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	var drop []*registry.Lease
	if subs, ok := h.clientSubs[client]; ok {
		for scope := range subs {
			delete(h.subscribers[scope], client)
			drop = h.decreaseRefCount(scope, drop)
		}
		delete(h.clientSubs, client)
	}
	h.mu.Unlock()
	releaseAll(drop)

	client.Close()
}

// Broadcast sends an announced snapshot to every client of scope.
func (h *Hub) Broadcast(scope string, payload string) {
	msg, err := json.Marshal(protocol.WSResponse{Type: protocol.TypeHoldings, Data: json.RawMessage(payload)})
	if err != nil {
		h.logger.Warn("Dropping malformed snapshot", zap.String("scope", scope), zap.Error(err))
		return
	}
	h.sendToScope(scope, msg)
}

func (h *Hub) broadcastJSON(scope string, v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	h.sendToScope(scope, msg)
}

func (h *Hub) sendToScope(scope string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.subscribers[scope] {
		client.SendBytes(msg)
	}
}

// Close drops every client subscription and releases every lease.
func (h *Hub) Close() {
	h.mu.Lock()
	var drop []*registry.Lease
	for scope, feed := range h.feeds {
		feed.unsubState()
		drop = append(drop, feed.lease)
		delete(h.feeds, scope)
	}
	h.subscribers = make(map[string]map[ClientInterface]bool)
	h.clientSubs = make(map[ClientInterface]map[string]bool)
	h.mu.Unlock()
	releaseAll(drop)
}

// decreaseRefCount must be called with h.mu held. The returned lease, if
// any, is released by the caller after unlocking: stopping a stream waits
// for its read loop, which may itself be waiting on h.mu.
func (h *Hub) decreaseRefCount(scope string, drop []*registry.Lease) []*registry.Lease {
	feed, ok := h.feeds[scope]
	if !ok {
		return drop
	}
	feed.refCount--
	if feed.refCount > 0 {
		return drop
	}

	if err := h.store.UnsubscribeFromFeed(context.Background(), scope); err != nil {
		h.logger.Error("Failed to unsubscribe upstream", zap.String("scope", scope), zap.Error(err))
	}
	feed.unsubState()
	delete(h.feeds, scope)
	delete(h.subscribers, scope)
	return append(drop, feed.lease)
}

func releaseAll(leases []*registry.Lease) {
	for _, l := range leases {
		l.Release()
	}
}

func (h *Hub) sendAck(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeAck, ID: id, Status: "success", Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, ID: id, Status: "error", Message: msg})
}
