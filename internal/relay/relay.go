package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kizuna-ai-lab/sokuji/internal/circuitbreaker"
	"github.com/kizuna-ai-lab/sokuji/internal/idgen"
	"github.com/kizuna-ai-lab/sokuji/internal/pricing"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 15 * 1024 * 1024

	// CloseUpstreamUnavailable is sent when the provider cannot be reached.
	CloseUpstreamUnavailable = 4502
)

// Wallet is the slice of the wallet service the relay needs.
type Wallet interface {
	EnsureWallet(ctx context.Context, subject wallet.Subject, planID string) (bool, error)
	GetBalance(ctx context.Context, subject wallet.Subject) (*wallet.Balance, error)
	UseTokens(ctx context.Context, subject wallet.Subject, tokens int64, details wallet.UsageDetails) (*wallet.UseResult, error)
}

var _ Wallet = (*wallet.Service)(nil)

// Verifier resolves a bearer credential to its subject.
type Verifier interface {
	Verify(ctx context.Context, credential string) (subjectType, subjectID string, err error)
}

// Config tunes a Proxy.
type Config struct {
	ConnectTimeout   time.Duration
	AllowedOrigins   []string
	MaxSessions      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		MaxSessions:      10000,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Proxy accepts client realtime sockets and bridges each to a provider.
type Proxy struct {
	providers *Providers
	dialer    Dialer
	wallet    Wallet
	verifier  Verifier
	pricing   *pricing.Calculator
	breaker   *circuitbreaker.Breaker
	cfg       Config
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu        sync.Mutex
	sessions  map[*session]struct{}
	bySubject map[wallet.Subject]int
	closing   bool
	wg        sync.WaitGroup
}

// NewProxy wires a relay proxy.
func NewProxy(providers *Providers, dialer Dialer, w Wallet, verifier Verifier, calc *pricing.Calculator, cfg Config, logger *slog.Logger) *Proxy {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if calc == nil {
		calc = pricing.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown,
		circuitbreaker.WithFailureFilter(countsAgainstProvider))
	p := &Proxy{
		providers: providers,
		dialer:    dialer,
		wallet:    w,
		verifier:  verifier,
		pricing:   calc,
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[*session]struct{}),
		bySubject: make(map[wallet.Subject]int),
	}
	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     p.checkOrigin,
	}
	p.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("upstream breaker transition", "provider", key, "from", from.String(), "to", to.String())
	})
	return p
}

// countsAgainstProvider keeps client-side cancellation from tripping a
// provider's breaker.
func countsAgainstProvider(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// RegisterRoutes mounts the realtime endpoint.
func (p *Proxy) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/realtime", p.HandleRealtime)
}

func (p *Proxy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	host := r.Host
	if origin == "http://"+host || origin == "https://"+host {
		return true
	}
	for _, o := range p.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// HandleRealtime handles GET /v1/realtime?provider=&model=
//
// Authentication and provider selection happen before the upgrade so they
// can be refused with a plain HTTP status. The upstream dial starts after
// the client has its 101.
func (p *Proxy) HandleRealtime(c *gin.Context) {
	provider, err := p.providers.Select(c.Query("provider"))
	switch {
	case errors.Is(err, ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider", "message": "Supported providers: openai, comet"})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": "Provider is not configured"})
		return
	}

	credential, ok := ExtractCredential(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	typ, id, err := p.verifier.Verify(c.Request.Context(), credential)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid API key"})
		return
	}

	p.mu.Lock()
	full := len(p.sessions) >= p.cfg.MaxSessions
	closing := p.closing
	p.mu.Unlock()
	if closing {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "Server is shutting down"})
		return
	}
	if full {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Relay is at capacity"})
		return
	}

	model := c.Query("model")
	if model == "" {
		model = provider.DefaultModel
	}

	var respHeader http.Header
	if proto := negotiate(websocket.Subprotocols(c.Request)); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	conn, err := p.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		p.logger.Warn("relay upgrade failed", "error", err)
		return
	}

	s := newSession(p, conn, provider, model, wallet.Subject{Type: typ, ID: id})
	if !p.track(s) {
		s.closeClient(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer p.untrack(s)

	// The hijacked connection outlives the request context.
	s.run(context.WithoutCancel(c.Request.Context()))
}

func (p *Proxy) track(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return false
	}
	p.sessions[s] = struct{}{}
	p.wg.Add(1)
	return true
}

func (p *Proxy) untrack(s *session) {
	p.mu.Lock()
	delete(p.sessions, s)
	if s.holdsSlot {
		p.bySubject[s.subject]--
		if p.bySubject[s.subject] <= 0 {
			delete(p.bySubject, s.subject)
		}
	}
	p.mu.Unlock()
	p.wg.Done()
}

// claimSlot counts s against its subject's concurrent session allowance;
// limit <= 0 means unlimited.
func (p *Proxy) claimSlot(s *session, limit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > 0 && p.bySubject[s.subject] >= limit {
		return false
	}
	p.bySubject[s.subject]++
	s.holdsSlot = true
	return true
}

// ActiveSessions reports the number of open relay sessions.
func (p *Proxy) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown stops accepting sessions, asks open ones to close with 1001,
// and waits for them until ctx expires.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	for s := range p.sessions {
		s.shutdown()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newConnID() string {
	return idgen.WithPrefix("rly_")
}
