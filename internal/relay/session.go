package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kizuna-ai-lab/sokuji/internal/metrics"
	"github.com/kizuna-ai-lab/sokuji/internal/pricing"
	"github.com/kizuna-ai-lab/sokuji/internal/traces"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// State is the lifecycle position of one relay session.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	realtimeEndpoint = "/v1/realtime"
	realtimeMethod   = "WS"
	responseDone     = "response.done"
)

// session bridges one client socket to one upstream connection. Only the
// goroutine running run writes to the client or owns the upstream; the
// readers hand frames to it over channels.
type session struct {
	proxy    *Proxy
	id       string
	client   *websocket.Conn
	provider Provider
	model    string
	subject  wallet.Subject
	logger   *slog.Logger

	state     atomic.Int32
	holdsSlot bool
	queue     [][]byte
	up        Upstream
	stop      chan struct{}
	stopOnce  sync.Once

	sessionID      string
	conversationID string
}

func newSession(p *Proxy, conn *websocket.Conn, provider Provider, model string, subject wallet.Subject) *session {
	id := newConnID()
	return &session{
		proxy:    p,
		id:       id,
		client:   conn,
		provider: provider,
		model:    model,
		subject:  subject,
		stop:     make(chan struct{}),
		logger: p.logger.With("relay_id", id, "provider", provider.Name,
			"model", model, "subject", subject.String()),
	}
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) { s.state.Store(int32(st)) }

func (s *session) shutdown() { s.stopOnce.Do(func() { close(s.stop) }) }

type dialResult struct {
	up  Upstream
	err error
}

func (s *session) run(ctx context.Context) {
	metrics.ActiveRelayConnections.Inc()
	defer metrics.ActiveRelayConnections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	s.logger.Info("relay session opened")
	if !s.admit(ctx) {
		return
	}

	clientMsgs := make(chan []byte)
	clientGone := make(chan error, 1)
	go s.readClient(clientMsgs, clientGone, done)

	dialed := make(chan dialResult)
	go s.dial(ctx, dialed, done)

	var (
		upMsgs chan []byte
		upGone chan error
	)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.stop:
			s.finish(websocket.CloseGoingAway, "server shutting down")
			return

		case <-ping.C:
			_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("relay ping failed", "error", err)
				s.abandon(websocket.CloseAbnormalClosure)
				return
			}

		case msg := <-clientMsgs:
			if s.State() == StateConnecting {
				s.queue = append(s.queue, msg)
				continue
			}
			if err := s.up.Send(msg); err != nil {
				s.logger.Warn("upstream write failed", "error", err)
				s.finish(websocket.CloseInternalServerErr, "upstream write failed")
				return
			}

		case err := <-clientGone:
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			} else {
				s.logger.Debug("client read failed", "error", err)
			}
			s.abandon(code)
			return

		case res := <-dialed:
			if res.err != nil {
				s.logger.Warn("upstream connect failed", "error", res.err, "queued", len(s.queue))
				s.queue = nil
				s.finish(CloseUpstreamUnavailable, "upstream unavailable")
				return
			}
			s.up = res.up
			s.setState(StateRelaying)
			upMsgs = make(chan []byte)
			upGone = make(chan error, 1)
			go s.readUpstream(upMsgs, upGone, done)
			if !s.flushQueue() {
				return
			}

		case msg := <-upMsgs:
			if !s.handleUpstream(ctx, msg) {
				return
			}

		case err := <-upGone:
			if errors.Is(err, ErrUpstreamClosed) {
				s.finish(websocket.CloseNormalClosure, "upstream closed")
			} else {
				s.logger.Warn("upstream read failed", "error", err)
				s.finish(websocket.CloseInternalServerErr, "upstream error")
			}
			return
		}
	}
}

// admit refuses sessions for frozen or overdrawn wallets, creating a
// free-plan wallet for first-time callers.
func (s *session) admit(ctx context.Context) bool {
	if _, err := s.proxy.wallet.EnsureWallet(ctx, s.subject, ""); err != nil {
		s.logger.Error("ensure wallet failed", "error", err)
		s.sendError("billing_unavailable", "Wallet is temporarily unavailable")
		s.finish(websocket.CloseInternalServerErr, "billing unavailable")
		return false
	}
	bal, err := s.proxy.wallet.GetBalance(ctx, s.subject)
	if err != nil {
		s.logger.Error("read balance failed", "error", err)
		s.sendError("billing_unavailable", "Wallet is temporarily unavailable")
		s.finish(websocket.CloseInternalServerErr, "billing unavailable")
		return false
	}
	switch {
	case bal.Frozen:
		s.sendError("wallet_frozen", "Wallet is frozen")
		s.finish(websocket.ClosePolicyViolation, "wallet_frozen")
		return false
	case bal.BalanceTokens < 0:
		s.sendError("insufficient_balance", "Token balance is negative")
		s.finish(websocket.ClosePolicyViolation, "insufficient_balance")
		return false
	}
	if !s.proxy.claimSlot(s, bal.MaxConcurrentSessions) {
		s.logger.Info("session refused: concurrent session limit", "limit", bal.MaxConcurrentSessions)
		s.sendError("session_limit", "Too many concurrent realtime sessions for this plan")
		s.finish(websocket.ClosePolicyViolation, "session_limit")
		return false
	}
	return true
}

func (s *session) dial(ctx context.Context, out chan<- dialResult, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(ctx, s.proxy.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	var up Upstream
	err := s.proxy.breaker.Execute(s.provider.Name, func() error {
		var err error
		up, err = s.proxy.dialer.Dial(ctx, s.provider, s.model)
		return err
	})
	metrics.RelayUpstreamConnectDuration.WithLabelValues(s.provider.Name).Observe(time.Since(start).Seconds())

	select {
	case out <- dialResult{up: up, err: err}:
	case <-done:
		if up != nil {
			_ = up.Close()
		}
	}
}

func (s *session) readClient(out chan<- []byte, gone chan<- error, done <-chan struct{}) {
	s.client.SetReadLimit(maxFrameSize)
	_ = s.client.SetReadDeadline(time.Now().Add(pongWait))
	s.client.SetPongHandler(func(string) error {
		_ = s.client.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		typ, msg, err := s.client.ReadMessage()
		if err != nil {
			gone <- err
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case out <- msg:
		case <-done:
			return
		}
	}
}

func (s *session) readUpstream(out chan<- []byte, gone chan<- error, done <-chan struct{}) {
	for {
		msg, err := s.up.Recv()
		if err != nil {
			gone <- err
			return
		}
		select {
		case out <- msg:
		case <-done:
			return
		}
	}
}

// flushQueue forwards frames received while connecting, in arrival order.
func (s *session) flushQueue() bool {
	queued := s.queue
	s.queue = nil
	for _, msg := range queued {
		if err := s.up.Send(msg); err != nil {
			s.logger.Warn("upstream write failed", "error", err)
			s.finish(websocket.CloseInternalServerErr, "upstream write failed")
			return false
		}
	}
	if len(queued) > 0 {
		s.logger.Debug("flushed queued client frames", "count", len(queued))
	}
	return true
}

// handleUpstream meters a server event and forwards it. A refused
// deduction ends the session before the event reaches the client.
func (s *session) handleUpstream(ctx context.Context, msg []byte) bool {
	var ev serverEvent
	if err := json.Unmarshal(msg, &ev); err == nil {
		s.capture(&ev)
		if c, ok := s.meter(&ev); ok {
			if !s.charge(ctx, c) {
				return false
			}
		}
	}
	_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.client.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.logger.Debug("client write failed", "error", err)
		s.abandon(websocket.CloseAbnormalClosure)
		return false
	}
	return true
}

func (s *session) capture(ev *serverEvent) {
	if ev.Session != nil && ev.Session.ID != "" {
		s.sessionID = ev.Session.ID
	}
	if ev.Conversation != nil && ev.Conversation.ID != "" {
		s.conversationID = ev.Conversation.ID
	}
	if ev.Response != nil && ev.Response.ConversationID != "" {
		s.conversationID = ev.Response.ConversationID
	}
}

type charge struct {
	tokens  int64
	details wallet.UsageDetails
}

func (s *session) meter(ev *serverEvent) (charge, bool) {
	var (
		u          *usage
		model      = s.model
		responseID string
		modality   pricing.Modality
	)
	switch {
	case ev.Type == responseDone && ev.Response != nil && ev.Response.Usage != nil:
		u = ev.Response.Usage
		responseID = ev.Response.ID
		if ev.Response.Model != "" {
			model = ev.Response.Model
		}
		modality = pricing.ModalityFor(model, realtimeEndpoint, ev.Type)
		if len(ev.Response.Modalities) == 1 && ev.Response.Modalities[0] == "text" {
			modality = pricing.Text
		}
	case ev.Type == pricing.TranscriptionEvent && ev.Usage != nil:
		u = ev.Usage
		modality = pricing.Transcription
	default:
		return charge{}, false
	}

	meta := map[string]any{
		"event_id": ev.EventID,
		"modality": string(modality),
	}
	if ev.ItemID != "" {
		meta["item_id"] = ev.ItemID
	}
	if ev.Response != nil && len(ev.Response.Modalities) > 0 {
		meta["modalities"] = ev.Response.Modalities
	}

	var total, in, out int64
	if u.Type == "duration" {
		total = pricing.DurationTokens(u.Seconds)
		meta["billing_type"] = "duration"
		meta["duration_seconds"] = u.Seconds
	} else {
		in, out = u.InputTokens, u.OutputTokens
		if in == 0 && out == 0 {
			in = u.TotalTokens
		}
		q := s.proxy.pricing.Tokens(s.provider.pricingKey(), model, modality, in, out)
		total = q.Total
		meta["billing_type"] = "tokens"
		meta["input_ratio"] = q.InputRatio.String()
		meta["output_ratio"] = q.OutputRatio.String()
		if !q.Known {
			meta["unpriced_model"] = true
		}
	}
	if total <= 0 {
		return charge{}, false
	}

	return charge{
		tokens: total,
		details: wallet.UsageDetails{
			Provider:       s.provider.Name,
			Model:          model,
			Endpoint:       realtimeEndpoint,
			Method:         realtimeMethod,
			InputTokens:    in,
			OutputTokens:   out,
			SessionID:      s.sessionID,
			RequestID:      s.id,
			ResponseID:     responseID,
			ConversationID: s.conversationID,
			Metadata:       meta,
		},
	}, true
}

// charge deducts synchronously. On refusal the client gets one billing
// error frame and the session closes with 1008.
func (s *session) charge(ctx context.Context, c charge) bool {
	ctx, span := traces.StartSpan(ctx, "relay.charge",
		traces.Provider(s.provider.Name), traces.Model(s.model), traces.Tokens(c.tokens))
	defer span.End()

	res, err := s.proxy.wallet.UseTokens(ctx, s.subject, c.tokens, c.details)
	if err == nil {
		s.logger.Debug("usage charged", "tokens", c.tokens, "remaining", res.Remaining, "ledger_id", res.LedgerID)
		return true
	}
	traces.RecordError(span, err)

	var insufficient *wallet.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		s.logger.Info("session stopped: insufficient balance", "requested", c.tokens, "remaining", insufficient.Remaining)
		s.sendError("insufficient_balance", "Insufficient token balance")
		s.finish(websocket.ClosePolicyViolation, "insufficient_balance")
	case errors.Is(err, wallet.ErrWalletFrozen):
		s.sendError("wallet_frozen", "Wallet is frozen")
		s.finish(websocket.ClosePolicyViolation, "wallet_frozen")
	case errors.Is(err, wallet.ErrWalletNotFound):
		s.sendError("wallet_not_found", "Wallet not found")
		s.finish(websocket.ClosePolicyViolation, "wallet_not_found")
	default:
		s.logger.Error("usage deduction failed", "tokens", c.tokens, "error", err)
		s.sendError("billing_unavailable", "Usage could not be recorded")
		s.finish(websocket.CloseInternalServerErr, "billing unavailable")
	}
	return false
}

type errorFrame struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *session) sendError(code, message string) {
	b, err := json.Marshal(errorFrame{Type: "error", Error: errorBody{Type: "billing_error", Code: code, Message: message}})
	if err != nil {
		return
	}
	_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.client.WriteMessage(websocket.TextMessage, b)
}

// finish closes both sides, sending code to the client.
func (s *session) finish(code int, reason string) {
	if s.State() >= StateClosing {
		return
	}
	s.setState(StateClosing)
	if s.up != nil {
		_ = s.up.Close()
	}
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = s.client.Close()
	s.closed(code)
}

// abandon tears down after the client went away; nothing is written to it.
func (s *session) abandon(code int) {
	if s.State() >= StateClosing {
		return
	}
	s.setState(StateClosing)
	if n := len(s.queue); n > 0 {
		s.logger.Debug("dropping queued client frames", "count", n)
		s.queue = nil
	}
	if s.up != nil {
		_ = s.up.Close()
	}
	_ = s.client.Close()
	s.closed(code)
}

func (s *session) closed(code int) {
	s.setState(StateClosed)
	metrics.RelayClosesTotal.WithLabelValues(s.provider.Name, strconv.Itoa(code)).Inc()
	s.logger.Info("relay session closed", "code", code,
		"session_id", s.sessionID, "conversation_id", s.conversationID)
}

// closeClient is used before a session runs.
func (s *session) closeClient(code int, reason string) {
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = s.client.Close()
}
