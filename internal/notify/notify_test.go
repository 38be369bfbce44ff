package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func TestAnnounceFiltersAndDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, slog.New(slog.DiscardHandler))
	go n.Run(ctx)

	require.NoError(t, n.Announce(ctx, domain.Event{Type: domain.EventBidPlaced, TokenID: 1}))
	require.NoError(t, n.Announce(ctx, domain.Event{Type: domain.EventAssetSold, TokenID: 1}))

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Asset #1 sold"}, rec.seen())
}

func TestConfiguredEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{" bid_placed "}, slog.New(slog.DiscardHandler))
	require.NoError(t, n.Announce(t.Context(), domain.Event{Type: domain.EventBidPlaced, TokenID: 2}))
	require.NoError(t, n.Announce(t.Context(), domain.Event{Type: domain.EventAssetSold, TokenID: 2}))
	assert.Len(t, n.queue, 1)
}

func TestQueueFull(t *testing.T) {
	n := NewNotifier([]Sender{&recordingSender{}}, nil, slog.New(slog.DiscardHandler))
	ev := domain.Event{Type: domain.EventAssetSold, TokenID: 3}
	for range queueSize {
		require.NoError(t, n.Announce(t.Context(), ev))
	}
	require.ErrorIs(t, n.Announce(t.Context(), ev), ErrQueueFull)
}

func TestNotifyAllJoinsErrors(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: errors.New("down")}
	n := NewNotifier([]Sender{bad, ok}, nil, slog.New(slog.DiscardHandler))
	err := n.NotifyAll(t.Context(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording: down")
	assert.Equal(t, []string{"t"}, ok.seen(), "later senders still receive")
}

func TestRender(t *testing.T) {
	title, msg := Render(domain.Event{
		Type:    domain.EventAssetSold,
		TokenID: 9,
		Actor:   domain.MustIdentity("0x00000000000000000000000000000000000000b1"),
		TxHash:  "0xfeed",
		Detail:  map[string]any{"price": "1.5", "buyer": "0x00000000000000000000000000000000000000b2"},
	})
	assert.Equal(t, "Asset #9 sold", title)
	assert.Equal(t, "by 0x00000000000000000000000000000000000000b1\n"+
		"buyer: 0x00000000000000000000000000000000000000b2\n"+
		"price: 1.5\n"+
		"tx 0xfeed", msg)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(t.Context(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(t.Context(), "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
