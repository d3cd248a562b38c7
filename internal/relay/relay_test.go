package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizuna-ai-lab/sokuji/internal/auth"
	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/pricing"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream is a provider endpoint the relay dials in tests.
type fakeUpstream struct {
	srv     *httptest.Server
	release chan struct{}
	conns   chan *websocket.Conn
	dials   atomic.Int32

	mu     sync.Mutex
	header http.Header
	query  url.Values
}

func newFakeUpstream(t *testing.T, gated bool) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{conns: make(chan *websocket.Conn, 4)}
	if gated {
		f.release = make(chan struct{})
	}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		f.mu.Lock()
		f.header = r.Header.Clone()
		f.query = r.URL.Query()
		f.mu.Unlock()
		if f.release != nil {
			<-f.release
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeUpstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was never dialed")
		return nil
	}
}

type relayEnv struct {
	proxy *Proxy
	svc   *wallet.Service
	key   string
	srv   *httptest.Server
}

func setupRelay(t *testing.T, upstreamURL string) *relayEnv {
	t.Helper()
	return setupRelayWithTimeout(t, upstreamURL, 2*time.Second)
}

func setupRelayWithTimeout(t *testing.T, upstreamURL string, connectTimeout time.Duration) *relayEnv {
	t.Helper()
	ctx := context.Background()
	svc := wallet.NewService(wallet.NewMemoryStore())
	mgr := auth.NewManager(auth.NewMemoryStore())
	raw, _, err := mgr.GenerateKey(ctx, "user", "u1", "test")
	require.NoError(t, err)

	providers := NewProviders("openai", Provider{
		Name:         "openai",
		URL:          upstreamURL,
		APIKey:       "sk-upstream",
		DefaultModel: "gpt-4o-mini-realtime-preview",
	})
	proxy := NewProxy(providers, NewWSDialer(connectTimeout), svc, mgr, pricing.New(nil),
		Config{ConnectTimeout: connectTimeout}, logging.Discard())

	r := gin.New()
	proxy.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = proxy.Shutdown(sctx)
		srv.Close()
	})
	return &relayEnv{proxy: proxy, svc: svc, key: raw, srv: srv}
}

func (e *relayEnv) dial(t *testing.T, query string, withAuth bool, protocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/realtime"
	if query != "" {
		u += "?" + query
	}
	h := http.Header{}
	if withAuth {
		h.Set("Authorization", "Bearer "+e.key)
	}
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(u, h)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (e *relayEnv) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, "", true)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg, &out))
	return out
}

func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return ce.Code
	}
}

// nextIsClose fails if anything other than a close frame arrives next.
func nextIsClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame relayed: %s", msg)
	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	return ce.Code
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestRelay_QueuesFramesUntilUpstreamConnects(t *testing.T) {
	up := newFakeUpstream(t, true)
	env := setupRelay(t, up.url())

	client := env.connect(t)
	send(t, client, `{"type":"A"}`)
	send(t, client, `{"type":"B"}`)
	send(t, client, `{"type":"C"}`)
	close(up.release)

	upstream := up.accept(t)
	for _, want := range []string{"A", "B", "C"} {
		assert.Equal(t, want, readFrame(t, upstream)["type"])
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, "Bearer sk-upstream", up.header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", up.header.Get("OpenAI-Beta"))
	assert.Equal(t, "gpt-4o-mini-realtime-preview", up.query.Get("model"))
}

func TestRelay_ForwardsAfterConnect(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	client := env.connect(t)
	upstream := up.accept(t)

	send(t, client, `{"type":"session.update"}`)
	assert.Equal(t, "session.update", readFrame(t, upstream)["type"])

	send(t, upstream, `{"type":"response.created"}`)
	assert.Equal(t, "response.created", readFrame(t, client)["type"])
}

func TestRelay_MetersResponseDone(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())
	ctx := context.Background()

	client := env.connect(t)
	upstream := up.accept(t)

	send(t, upstream, `{"type":"session.created","session":{"id":"sess_1"}}`)
	send(t, upstream, `{"type":"response.done","event_id":"ev_1","response":{"id":"resp_1","conversation_id":"conv_1",`+
		`"model":"gpt-4o-realtime-preview","modalities":["text"],"usage":{"input_tokens":100,"output_tokens":50}}}`)

	assert.Equal(t, "session.created", readFrame(t, client)["type"])
	assert.Equal(t, "response.done", readFrame(t, client)["type"])

	// text rates for gpt-4o realtime: 100*0.6 + 50*2.4
	bal, err := env.svc.GetBalance(ctx, wallet.User("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000-180), bal.BalanceTokens)

	page, err := env.svc.GetHistory(ctx, wallet.User("u1"), 10, "")
	require.NoError(t, err)
	var use *wallet.LedgerEntry
	for _, e := range page.Entries {
		if e.EventType == wallet.EventUse {
			use = e
		}
	}
	require.NotNil(t, use)
	assert.Equal(t, int64(-180), use.AmountTokens)
	assert.Equal(t, "sess_1", use.ReferenceID)
	assert.Equal(t, "resp_1", use.Metadata["responseId"])
	assert.Equal(t, "conv_1", use.Metadata["conversationId"])
	assert.Equal(t, "text", use.Metadata["modality"])
	assert.Equal(t, "/v1/realtime", use.Metadata["endpoint"])
}

func TestRelay_MetersTranscriptionDuration(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	client := env.connect(t)
	upstream := up.accept(t)

	send(t, upstream, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1",`+
		`"usage":{"type":"duration","seconds":10}}`)
	assert.Equal(t, pricing.TranscriptionEvent, readFrame(t, client)["type"])

	bal, err := env.svc.GetBalance(context.Background(), wallet.User("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000-120), bal.BalanceTokens)
}

func TestRelay_ZeroUsageIsNotCharged(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	client := env.connect(t)
	upstream := up.accept(t)

	send(t, upstream, `{"type":"response.done","response":{"id":"r","usage":{"input_tokens":0,"output_tokens":0}}}`)
	assert.Equal(t, "response.done", readFrame(t, client)["type"])

	bal, err := env.svc.GetBalance(context.Background(), wallet.User("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal.BalanceTokens)
}

func TestRelay_InsufficientBalanceStopsSession(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())
	ctx := context.Background()
	u := wallet.User("u1")

	_, err := env.svc.EnsureWallet(ctx, u, "")
	require.NoError(t, err)
	_, err = env.svc.AdjustTokens(ctx, u, -999_900, "test drain", "")
	require.NoError(t, err)

	client := env.connect(t)
	upstream := up.accept(t)

	send(t, upstream, `{"type":"response.done","response":{"id":"r1","model":"gpt-4o-realtime-preview",`+
		`"usage":{"input_tokens":1000,"output_tokens":0}}}`)
	send(t, upstream, `{"type":"response.created"}`)

	frame := readFrame(t, client)
	assert.Equal(t, "error", frame["type"])
	body := frame["error"].(map[string]any)
	assert.Equal(t, "insufficient_balance", body["code"])
	assert.Equal(t, "billing_error", body["type"])
	// response.created sent after the refused response.done must not reach the client
	assert.Equal(t, websocket.ClosePolicyViolation, nextIsClose(t, client))

	_ = upstream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = upstream.ReadMessage()
	assert.Error(t, err, "upstream should be closed")

	bal, err := env.svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.BalanceTokens)
}

func TestRelay_FrozenWalletRefusedAtConnect(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())
	ctx := context.Background()
	u := wallet.User("u1")

	_, err := env.svc.EnsureWallet(ctx, u, "")
	require.NoError(t, err)
	require.NoError(t, env.svc.SetFrozenStatus(ctx, u, true))

	client := env.connect(t)
	frame := readFrame(t, client)
	assert.Equal(t, "wallet_frozen", frame["error"].(map[string]any)["code"])
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, client))
	assert.Equal(t, int32(0), up.dials.Load())
}

func TestRelay_FirstConnectCreatesWallet(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	env.connect(t)
	up.accept(t)

	bal, err := env.svc.GetBalance(context.Background(), wallet.User("u1"))
	require.NoError(t, err)
	assert.True(t, bal.Exists)
	assert.Equal(t, wallet.DefaultPlanID, bal.PlanID)
}

func TestRelay_UpstreamUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	env := setupRelay(t, deadURL)
	client := env.connect(t)
	send(t, client, `{"type":"session.update"}`)
	assert.Equal(t, CloseUpstreamUnavailable, readClose(t, client))
}

func TestRelay_UpstreamConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// accepts TCP but never answers the websocket handshake
	var held []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})

	env := setupRelayWithTimeout(t, "ws://"+ln.Addr().String(), 300*time.Millisecond)
	client := env.connect(t)
	send(t, client, `{"type":"session.update"}`)

	start := time.Now()
	assert.Equal(t, CloseUpstreamUnavailable, readClose(t, client))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRelay_UpstreamCloseCodes(t *testing.T) {
	t.Run("normal", func(t *testing.T) {
		up := newFakeUpstream(t, false)
		env := setupRelay(t, up.url())
		client := env.connect(t)
		upstream := up.accept(t)

		require.NoError(t, upstream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))
		assert.Equal(t, websocket.CloseNormalClosure, readClose(t, client))
	})

	t.Run("abrupt", func(t *testing.T) {
		up := newFakeUpstream(t, false)
		env := setupRelay(t, up.url())
		client := env.connect(t)
		upstream := up.accept(t)

		require.NoError(t, upstream.UnderlyingConn().Close())
		assert.Equal(t, websocket.CloseInternalServerErr, readClose(t, client))
	})
}

func TestRelay_ClientCloseClosesUpstream(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())
	client := env.connect(t)
	upstream := up.accept(t)

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	_ = client.Close()

	_ = upstream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := upstream.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return env.proxy.ActiveSessions() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestRelay_RequiresCredential(t *testing.T) {
	env := setupRelay(t, "ws://127.0.0.1:1")

	_, resp, err := env.dial(t, "", false)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.key = "sk_bogus"
	_, resp, err = env.dial(t, "", true)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_UnknownProvider(t *testing.T) {
	env := setupRelay(t, "ws://127.0.0.1:1")
	_, resp, err := env.dial(t, "provider=nope", true)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_SubprotocolCredential(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	client, resp, err := env.dial(t, "model=gpt-4o-realtime-preview", false,
		RealtimeSubprotocol, AuthSubprotocolPrefix+env.key, "openai-beta.realtime-v1")
	require.NoError(t, err)
	assert.Equal(t, RealtimeSubprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, RealtimeSubprotocol, client.Subprotocol())

	up.accept(t)
	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Empty(t, up.header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, "gpt-4o-realtime-preview", up.query.Get("model"))
}

func TestRelay_ShutdownClosesSessions(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())
	client := env.connect(t)
	up.accept(t)

	require.Eventually(t, func() bool { return env.proxy.ActiveSessions() == 1 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.proxy.Shutdown(ctx))
	assert.Equal(t, websocket.CloseGoingAway, readClose(t, client))
	assert.Equal(t, 0, env.proxy.ActiveSessions())

	_, resp, err := env.dial(t, "", true)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_ConcurrentSessionLimit(t *testing.T) {
	up := newFakeUpstream(t, false)
	env := setupRelay(t, up.url())

	// free_plan allows one session
	env.connect(t)
	up.accept(t)

	second := env.connect(t)
	frame := readFrame(t, second)
	assert.Equal(t, "session_limit", frame["error"].(map[string]any)["code"])
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, second))
	assert.Equal(t, int32(1), up.dials.Load())
}
