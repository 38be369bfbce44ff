package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

func TestHubForwardsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	bus := memory.NewSignalBus()
	hub := NewHub(bus, Config{}, slog.New(slog.DiscardHandler))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The hello frame follows registration, which follows the hub's bus
	// subscriptions.
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])

	payload, err := json.Marshal(domain.Event{Type: domain.EventAssetSold, TokenID: 7})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelAssets, payload))

	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventAssetSold, ev.Type)
	assert.Equal(t, uint64(7), ev.TokenID)
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelAssets: true, domain.ChannelClaims: true}}

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelClaims}})
	assert.True(t, c.isSubscribed(domain.ChannelAssets))
	assert.False(t, c.isSubscribed(domain.ChannelClaims))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"ipm:events:*"}})
	assert.True(t, c.isSubscribed(domain.ChannelClaims))
	assert.False(t, c.isSubscribed("other"))
}
