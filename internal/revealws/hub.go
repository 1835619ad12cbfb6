// Package revealws streams reveal sequences to browser clients over WebSocket
// and relays their end-of-reveal signal back to the sequencer.
package revealws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/reveal"
)

// Message types
const (
	TypeRevealStart     = "reveal_start"
	TypeRevealCommitted = "reveal_committed"
	TypeRevealEnd       = "reveal_end"
)

// ErrNoClients is returned by OnRevealStart when nobody is watching.
var ErrNoClients = errors.New("revealws: no connected clients")

// HubConfig configures WebSocket behavior.
type HubConfig struct {
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long a client may stay silent, pongs included.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
	// AbandonAfter is how long a started reveal waits for a client to
	// reconnect once the last one left. Then the reveal is abandoned.
	AbandonAfter time.Duration
}

// DefaultHubConfig returns default WebSocket configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   16,
		AbandonAfter: 30 * time.Second,
	}
}

// Message is the wire format in both directions.
type Message struct {
	Type    string     `json:"type"`
	Session uint64     `json:"session"`
	Tier    string     `json:"tier,omitempty"`
	Count   int        `json:"count,omitempty"`
	Items   []ItemView `json:"items,omitempty"`
}

// ItemView is the JSON rendering of an item.
type ItemView struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Rarity   int    `json:"rarity"`
	Image    string `json:"image"`
	Kind     string `json:"kind"`
	Element  string `json:"element,omitempty"`
	Weapon   string `json:"weapon,omitempty"`
	Faction  string `json:"faction,omitempty"`
	Category string `json:"category,omitempty"`
	Price    string `json:"price,omitempty"`
	Seller   string `json:"seller,omitempty"`
}

// NewItemView flattens an item for JSON output.
func NewItemView(it *domain.Item) ItemView {
	v := ItemView{
		ID:     it.ID,
		Name:   it.Name,
		Rarity: it.Rarity,
		Image:  it.ImageURL,
		Kind:   string(it.Kind()),
	}
	if c, ok := it.Character(); ok {
		v.Element, v.Weapon, v.Faction = c.Element, c.Weapon, c.Faction
	}
	if g, ok := it.Gear(); ok {
		v.Category = g.Category
	}
	if it.Listing != nil && it.Listing.Active {
		v.Price = it.Listing.Price
		v.Seller = string(it.Listing.Seller)
	}
	return v
}

// Hub implements reveal.Presenter by broadcasting to every connected client.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	ender reveal.RevealEnder

	mu           sync.Mutex
	clients      map[*client]struct{}
	pending      *pendingStart // reveal started and not yet ended
	abandonTimer *time.Timer

	endMu     sync.Mutex
	lastEnded uint64 // guarded by endMu

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type pendingStart struct {
	session uint64
	data    []byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte // closed by dropLocked
}

// NewHub creates a hub. SetEnder must be called before reveals are played.
func NewHub(config *HubConfig, logger zerolog.Logger) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "revealws").Logger(),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// SetEnder sets the receiver of reveal_end messages.
func (h *Hub) SetEnder(e reveal.RevealEnder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ender = e
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.config.SendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.pending != nil {
		// late joiners play the reveal that is still waiting for its end
		select {
		case c.send <- h.pending.data:
		default:
		}
		h.stopAbandonLocked()
	}
	h.mu.Unlock()
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	if len(h.clients) == 0 && h.pending != nil && h.abandonTimer == nil && !h.closed.Load() {
		session := h.pending.session
		h.abandonTimer = time.AfterFunc(h.config.AbandonAfter, func() { h.abandon(session) })
	}
}

func (h *Hub) stopAbandonLocked() {
	if h.abandonTimer != nil {
		h.abandonTimer.Stop()
		h.abandonTimer = nil
	}
}

func (h *Hub) clearPendingLocked(session uint64) {
	if h.pending != nil && h.pending.session == session {
		h.pending = nil
		h.stopAbandonLocked()
	}
}

// abandon gives up on session if still nobody is connected to end it.
func (h *Hub) abandon(session uint64) {
	h.mu.Lock()
	if h.pending == nil || h.pending.session != session || len(h.clients) > 0 {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	h.abandonTimer = nil
	ender := h.ender
	h.mu.Unlock()

	h.abandonSession(ender, session)
}

func (h *Hub) abandonSession(ender reveal.RevealEnder, session uint64) {
	a, ok := ender.(reveal.RevealAbandoner)
	if !ok {
		return
	}
	if err := a.AbandonReveal(session); err != nil {
		h.logger.Debug().Err(err).Uint64("session", session).Msg("abandon ignored")
		return
	}
	h.logger.Warn().Uint64("session", session).Msg("reveal abandoned, no clients left")
}

// writeLoop drains the client's queue and keeps the connection alive with pings.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		case <-h.done:
			return
		}
	}
}

// readLoop handles inbound reveal_end messages.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.drop(c)

	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !h.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("client read")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Msg("malformed client message")
			continue
		}
		if msg.Type == TypeRevealEnd {
			h.handleEnd(msg.Session)
		}
	}
}

// handleEnd forwards the first reveal_end of a session; repeats from other
// clients are ignored.
func (h *Hub) handleEnd(session uint64) {
	h.endMu.Lock()
	defer h.endMu.Unlock()

	h.mu.Lock()
	ender := h.ender
	h.mu.Unlock()
	if ender == nil || session <= h.lastEnded {
		return
	}

	if err := ender.RevealEnded(session); err != nil {
		h.logger.Debug().Err(err).Uint64("session", session).Msg("reveal end ignored")
		return
	}
	h.lastEnded = session

	h.mu.Lock()
	h.clearPendingLocked(session)
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshal message")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(data)
}

func (h *Hub) sendLocked(data []byte) int {
	sent := 0
	for c := range h.clients {
		select {
		case c.send <- data:
			sent++
		default:
			h.logger.Warn().Msg("dropping slow client")
			h.dropLocked(c)
		}
	}
	return sent
}

// OnRevealStart implements reveal.Presenter. The start message is replayed to
// clients connecting before the reveal ends.
func (h *Hub) OnRevealStart(_ context.Context, start reveal.RevealStart) error {
	data, err := json.Marshal(Message{
		Type:    TypeRevealStart,
		Session: start.Session,
		Tier:    string(start.Tier),
		Count:   start.Count,
	})
	if err != nil {
		return fmt.Errorf("marshal reveal start: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendLocked(data) == 0 {
		return ErrNoClients
	}
	h.stopAbandonLocked()
	h.pending = &pendingStart{session: start.Session, data: data}
	return nil
}

// OnRevealCommitted implements reveal.Presenter.
func (h *Hub) OnRevealCommitted(_ context.Context, c reveal.RevealCommitted) {
	views := make([]ItemView, 0, len(c.Items))
	for _, it := range c.Items {
		views = append(views, NewItemView(it))
	}
	h.broadcast(Message{Type: TypeRevealCommitted, Session: c.Session, Items: views})

	h.mu.Lock()
	h.clearPendingLocked(c.Session)
	h.mu.Unlock()
}

// Close disconnects every client, abandons a reveal still in progress and
// waits for the client goroutines.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	close(h.done)

	h.mu.Lock()
	h.stopAbandonLocked()
	pending, ender := h.pending, h.ender
	h.pending = nil
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()

	if pending != nil {
		h.abandonSession(ender, pending.session)
	}
	h.wg.Wait()
	return nil
}

var _ reveal.Presenter = (*Hub)(nil)
