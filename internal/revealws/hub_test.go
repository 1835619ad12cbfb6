package revealws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/reveal"
)

type recordingEnder struct {
	mu        sync.Mutex
	sessions  []uint64
	abandoned []uint64
}

func (e *recordingEnder) AbandonReveal(session uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abandoned = append(e.abandoned, session)
	return nil
}

func (e *recordingEnder) Abandoned() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.abandoned...)
}

func (e *recordingEnder) RevealEnded(session uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = append(e.sessions, session)
	return nil
}

func (e *recordingEnder) Sessions() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.sessions...)
}

func startHub(t *testing.T) (*Hub, *recordingEnder, string) {
	t.Helper()
	return startHubWithConfig(t, nil)
}

func startHubWithConfig(t *testing.T, cfg *HubConfig) (*Hub, *recordingEnder, string) {
	t.Helper()
	hub := NewHub(cfg, zerolog.Nop())
	ender := &recordingEnder{}
	hub.SetEnder(ender)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, ender, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_NoClients(t *testing.T) {
	hub, _, _ := startHub(t)
	err := hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 1, Tier: reveal.Tier3StarSingle, Count: 1})
	assert.ErrorIs(t, err, ErrNoClients)
}

func TestHub_BroadcastsRevealStart(t *testing.T) {
	hub, _, url := startHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	err := hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 3, Tier: reveal.Tier5StarMulti, Count: 10})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeRevealStart, msg.Type)
		assert.Equal(t, uint64(3), msg.Session)
		assert.Equal(t, "5star-multi", msg.Tier)
		assert.Equal(t, 10, msg.Count)
	}
}

func TestHub_ForwardsRevealEndOnce(t *testing.T) {
	hub, ender, url := startHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	require.NoError(t, a.WriteJSON(Message{Type: TypeRevealEnd, Session: 7}))
	require.Eventually(t, func() bool { return len(ender.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.WriteJSON(Message{Type: TypeRevealEnd, Session: 7}))
	require.NoError(t, a.WriteJSON(Message{Type: "noise", Session: 8}))
	require.NoError(t, b.WriteJSON(Message{Type: TypeRevealEnd, Session: 8}))
	require.Eventually(t, func() bool { return len(ender.Sessions()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint64{7, 8}, ender.Sessions())
}

func TestHub_CommittedItems(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, hub, url, 1)

	hub.OnRevealCommitted(context.Background(), reveal.RevealCommitted{
		Session: 2,
		Items: []*domain.Item{
			{ID: 17, Name: "Diluc", Rarity: 5, ImageURL: "https://gw/ipfs/x",
				Payload: domain.CharacterTraits{Element: "Pyro", Weapon: "Claymore", Faction: "Mondstadt"}},
			{ID: 18, Name: "Item #18", Rarity: 1, Payload: domain.GearTraits{Category: "Sword"}},
		},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeRevealCommitted, msg.Type)
	require.Len(t, msg.Items, 2)
	assert.Equal(t, "character", msg.Items[0].Kind)
	assert.Equal(t, "Pyro", msg.Items[0].Element)
	assert.Equal(t, "gear", msg.Items[1].Kind)
	assert.Equal(t, "Sword", msg.Items[1].Category)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, hub, url, 1)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ReplaysRevealStartToLateClient(t *testing.T) {
	hub, ender, url := startHub(t)
	first := dial(t, hub, url, 1)

	require.NoError(t, hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 4, Tier: reveal.Tier4StarSingle, Count: 1}))
	assert.Equal(t, uint64(4), readMessage(t, first).Session)

	first.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, hub, url, 1)
	msg := readMessage(t, second)
	assert.Equal(t, TypeRevealStart, msg.Type)
	assert.Equal(t, uint64(4), msg.Session)
	assert.Equal(t, "4star-single", msg.Tier)

	require.NoError(t, second.WriteJSON(Message{Type: TypeRevealEnd, Session: 4}))
	require.Eventually(t, func() bool { return len(ender.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// an ended reveal is not replayed
	third := dial(t, hub, url, 2)
	require.NoError(t, third.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := third.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, ender.Abandoned())
}

func TestHub_AbandonsRevealWhenLastClientLeaves(t *testing.T) {
	hub, ender, url := startHubWithConfig(t, &HubConfig{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   4,
		AbandonAfter: 50 * time.Millisecond,
	})
	conn := dial(t, hub, url, 1)

	require.NoError(t, hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 9, Tier: reveal.Tier3StarSingle, Count: 1}))
	readMessage(t, conn)
	conn.Close()

	require.Eventually(t, func() bool { return len(ender.Abandoned()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{9}, ender.Abandoned())
	assert.Empty(t, ender.Sessions())
}

func TestHub_ReconnectKeepsReveal(t *testing.T) {
	hub, ender, url := startHubWithConfig(t, &HubConfig{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   4,
		AbandonAfter: 300 * time.Millisecond,
	})
	conn := dial(t, hub, url, 1)
	require.NoError(t, hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 2, Tier: reveal.Tier3StarSingle, Count: 1}))
	readMessage(t, conn)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	again := dial(t, hub, url, 1)
	readMessage(t, again)

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, ender.Abandoned())
}

func TestHub_CloseAbandonsPendingReveal(t *testing.T) {
	hub, ender, url := startHub(t)
	dial(t, hub, url, 1)
	require.NoError(t, hub.OnRevealStart(context.Background(), reveal.RevealStart{Session: 5, Tier: reveal.Tier3StarSingle, Count: 1}))

	require.NoError(t, hub.Close())
	assert.Equal(t, []uint64{5}, ender.Abandoned())
}
