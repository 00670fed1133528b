package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealline/internal/app"
	"dealline/internal/config"
	"dealline/internal/domain"
	"dealline/internal/events"
)

type delivery struct {
	header http.Header
	body   webhookEvent
	raw    []byte
}

type hookReceiver struct {
	mu     sync.Mutex
	got    []delivery
	status int
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(raw, &evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	h.got = append(h.got, delivery{header: r.Header.Clone(), body: evt, raw: raw})
}

func (h *hookReceiver) deliveries() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.got...)
}

func (h *hookReceiver) setStatus(code int) {
	h.mu.Lock()
	h.status = code
	h.mu.Unlock()
}

func openServices(t *testing.T) *app.Services {
	t.Helper()
	svc, err := app.Open(context.Background(), t.TempDir(), app.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	svc := openServices(t)
	ctx := context.Background()
	actor := domain.Actor{ID: "alice"}
	_, err := svc.Engine.CreateDeal(ctx, actor, domain.Deal{Name: "Before start"})
	require.NoError(t, err)

	recv := &hookReceiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	d := newWebhookDispatcher(svc.Repo, []config.WebhookConfig{{URL: hookSrv.URL, Secret: "s3cret"}}, zerolog.Nop())
	require.NotNil(t, d)
	d.dispatchAll(ctx)
	assert.Empty(t, recv.deliveries())

	deal, err := svc.Engine.CreateDeal(ctx, actor, domain.Deal{Name: "After start"})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	got := recv.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, events.DealCreated, got[0].body.Type)
	assert.Equal(t, deal.ID, got[0].body.DealID)
	assert.Equal(t, events.DealCreated, got[0].header.Get("X-Dealline-Event"))
	assert.Equal(t, "sha256="+signPayload("s3cret", got[0].raw), got[0].header.Get("X-Dealline-Signature"))

	d.dispatchAll(ctx)
	assert.Len(t, recv.deliveries(), 1)
}

func TestWebhookFiltersAndRetries(t *testing.T) {
	svc := openServices(t)
	ctx := context.Background()
	actor := domain.Actor{ID: "alice"}

	recv := &hookReceiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()

	d := newWebhookDispatcher(svc.Repo, []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{events.TransitionCommitted}}}, zerolog.Nop())
	require.NotNil(t, d)
	d.dispatchAll(ctx)

	deal, err := svc.Engine.CreateDeal(ctx, actor, domain.Deal{Name: "Filtered"})
	require.NoError(t, err)
	_, err = svc.Engine.RequestTransition(ctx, actor, deal.ID, domain.StageDiscovery)
	require.NoError(t, err)

	recv.setStatus(http.StatusInternalServerError)
	d.dispatchAll(ctx)
	assert.Empty(t, recv.deliveries())

	recv.setStatus(0)
	d.dispatchAll(ctx)
	got := recv.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, events.TransitionCommitted, got[0].body.Type)
}

func TestWebhookDispatcherSkipsInactiveHooks(t *testing.T) {
	off := false
	hooks := []config.WebhookConfig{
		{URL: "https://example.com/off", Enabled: &off},
		{URL: "  "},
	}
	assert.Nil(t, newWebhookDispatcher(openServices(t).Repo, hooks, zerolog.Nop()))
}
