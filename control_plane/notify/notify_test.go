package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/ovhsniper/control_plane/settings"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

type fixedSettings settings.Snapshot

func (f fixedSettings) Get() settings.Snapshot { return settings.Snapshot(f) }

func TestEventText(t *testing.T) {
	ok := Event{Kind: KindPurchaseSuccess, PlanCode: "24ska01", Datacenter: "rbx", OrderID: "42", OrderURL: "https://x/42"}
	assert.Equal(t, "Order placed: 24ska01 in RBX\nOrder ID: 42\nhttps://x/42", ok.Text())

	failed := Event{Kind: KindPurchaseFailed, PlanCode: "24ska01", Datacenter: "gra", Message: "out of stock"}
	assert.Contains(t, failed.Text(), "Reason: out of stock")

	auth := Event{Kind: KindAuthFailure}
	assert.Contains(t, auth.Text(), "paused")
}

func TestTelegramSendsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := fixedSettings{Settings: store.Settings{TgToken: "123:abc", TgChatID: "-100"}}
	n := NewTelegramNotifier(src, srv.URL)

	err := n.Notify(context.Background(), Event{Kind: KindPurchaseSuccess, PlanCode: "p", Datacenter: "bhs", Time: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", got.ChatID)
	assert.Contains(t, got.Text, "Order placed: p in BHS")
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := fixedSettings{Settings: store.Settings{TgToken: "t", TgChatID: "c"}}
	err := NewTelegramNotifier(src, srv.URL).Notify(context.Background(), Event{Kind: KindAuthFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestTelegramFallsBackWithoutBot(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	src := fixedSettings{Settings: store.Settings{TgToken: "t"}}
	err := NewTelegramNotifier(src, srv.URL).Notify(context.Background(), Event{Kind: KindPurchaseFailed})
	require.NoError(t, err)
	assert.False(t, called)
}
