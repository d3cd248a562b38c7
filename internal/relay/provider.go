// Package relay proxies client realtime WebSockets to an upstream model
// provider and meters usage-bearing events against the caller's wallet
// before they are forwarded.
package relay

import (
	"errors"
	"sort"
)

var (
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// Provider is one upstream realtime endpoint.
type Provider struct {
	Name         string
	DisplayName  string
	URL          string
	APIKey       string
	DefaultModel string
	// PricingAs names the cost table row used for this provider's usage;
	// empty means Name.
	PricingAs string
}

func (p Provider) pricingKey() string {
	if p.PricingAs != "" {
		return p.PricingAs
	}
	return p.Name
}

// Providers is the static provider table.
type Providers struct {
	byName map[string]Provider
	def    string
}

// NewProviders builds a table; def is used when no provider is requested.
func NewProviders(def string, list ...Provider) *Providers {
	p := &Providers{byName: make(map[string]Provider, len(list)), def: def}
	for _, pr := range list {
		p.byName[pr.Name] = pr
	}
	return p
}

// DefaultProviders returns the openai and comet endpoints.
func DefaultProviders(openAIKey, cometKey, def string) *Providers {
	return NewProviders(def,
		Provider{
			Name:         "openai",
			DisplayName:  "OpenAI",
			URL:          "wss://api.openai.com/v1/realtime",
			APIKey:       openAIKey,
			DefaultModel: "gpt-4o-mini-realtime-preview",
		},
		Provider{
			Name:         "comet",
			DisplayName:  "CometAPI",
			URL:          "wss://api.cometapi.com/v1/realtime",
			APIKey:       cometKey,
			DefaultModel: "gpt-4o-mini-realtime-preview",
			PricingAs:    "openai",
		},
	)
}

// Select resolves a requested provider name.
func (p *Providers) Select(name string) (Provider, error) {
	if name == "" {
		name = p.def
	}
	pr, ok := p.byName[name]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	if pr.APIKey == "" || pr.URL == "" {
		return Provider{}, ErrProviderNotConfigured
	}
	return pr, nil
}

// Names lists configured provider names.
func (p *Providers) Names() []string {
	out := make([]string, 0, len(p.byName))
	for n := range p.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
