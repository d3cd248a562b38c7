package relay

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	// AuthSubprotocolPrefix carries a credential for browsers, which cannot
	// set headers on a WebSocket upgrade.
	AuthSubprotocolPrefix = "openai-insecure-api-key."
	betaSubprotocolPrefix = "openai-beta."
	// RealtimeSubprotocol is echoed back when the client asks for it.
	RealtimeSubprotocol = "realtime"
)

// ExtractCredential returns the caller's bearer credential from the
// Authorization header, or failing that from the subprotocol list.
func ExtractCredential(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok, true
		}
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, AuthSubprotocolPrefix) {
			if tok := strings.TrimPrefix(p, AuthSubprotocolPrefix); tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

// FilterSubprotocols drops credential-carrying and beta entries.
func FilterSubprotocols(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, p := range requested {
		if strings.HasPrefix(p, AuthSubprotocolPrefix) || strings.HasPrefix(p, betaSubprotocolPrefix) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// negotiate picks the subprotocol to answer with, or "".
func negotiate(requested []string) string {
	for _, p := range FilterSubprotocols(requested) {
		if p == RealtimeSubprotocol {
			return p
		}
	}
	return ""
}
