package market

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/config"
)

type Market struct {
	ID             string            `json:"id"`
	Question       string            `json:"question,omitempty"`
	Platform       string            `json:"platform"`
	Group          string            `json:"group,omitempty"`
	Open           bool              `json:"open"`
	ResolutionTime time.Time         `json:"resolution_time"`
	TokenIDs       map[string]string `json:"token_ids,omitempty"` // outcome -> token
}

type tokenRef struct {
	marketID string
	outcome  string
}

// Registry is the set of tradable markets and their pairwise correlations.
type Registry struct {
	mu           sync.RWMutex
	markets      map[string]*Market
	tokens       map[string]tokenRef
	correlations map[[2]string]float64
	groupRho     float64
}

func NewRegistry(groupCorrelation float64) *Registry {
	return &Registry{
		markets:      make(map[string]*Market),
		tokens:       make(map[string]tokenRef),
		correlations: make(map[[2]string]float64),
		groupRho:     groupCorrelation,
	}
}

// NewRegistryFromConfig loads markets and configured correlations.
func NewRegistryFromConfig(cfg *config.Config, defaultPlatform string) *Registry {
	r := NewRegistry(cfg.Risk.GroupCorrelation)
	for _, mc := range cfg.Markets {
		platform := mc.Platform
		if platform == "" {
			platform = defaultPlatform
		}
		r.Add(Market{
			ID:             mc.ID,
			Question:       mc.Question,
			Platform:       platform,
			Group:          mc.Group,
			Open:           true,
			ResolutionTime: mc.ResolutionTime,
			TokenIDs:       mc.TokenIDs,
		})
	}
	for _, c := range cfg.Risk.Correlations {
		r.SetCorrelation(c.A, c.B, c.Rho)
	}
	return r
}

func (r *Registry) Add(m Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens := make(map[string]string, len(m.TokenIDs))
	for outcome, token := range m.TokenIDs {
		o := strings.ToUpper(outcome)
		tokens[o] = token
		r.tokens[token] = tokenRef{marketID: m.ID, outcome: o}
	}
	m.TokenIDs = tokens
	r.markets[m.ID] = &m
}

// Get returns a copy of the market.
func (r *Registry) Get(id string) (Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, *m)
	}
	return out
}

// Close marks a market as no longer tradable, e.g. after resolution.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[id]; ok {
		m.Open = false
	}
}

// TokenFor returns the outcome token. Markets without configured tokens use marketID:OUTCOME.
func (r *Registry) TokenFor(marketID, outcome string) string {
	o := strings.ToUpper(outcome)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.markets[marketID]; ok {
		if t, ok := m.TokenIDs[o]; ok && t != "" {
			return t
		}
	}
	return marketID + ":" + o
}

// Resolve maps a token back to its market and outcome.
func (r *Registry) Resolve(tokenID string) (marketID, outcome string, ok bool) {
	r.mu.RLock()
	ref, found := r.tokens[tokenID]
	r.mu.RUnlock()
	if found {
		return ref.marketID, ref.outcome, true
	}
	if i := strings.LastIndex(tokenID, ":"); i > 0 {
		return tokenID[:i], tokenID[i+1:], true
	}
	return "", "", false
}

func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tokens))
	for t := range r.tokens {
		out = append(out, t)
	}
	return out
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (r *Registry) SetCorrelation(a, b string, rho float64) {
	if a == b {
		return
	}
	r.mu.Lock()
	r.correlations[pairKey(a, b)] = math.Max(-1, math.Min(1, rho))
	r.mu.Unlock()
}

// Correlation between two markets: a configured pair wins, then a shared group, else zero.
func (r *Registry) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rho, ok := r.correlations[pairKey(a, b)]; ok {
		return rho
	}
	ma, okA := r.markets[a]
	mb, okB := r.markets[b]
	if okA && okB && ma.Group != "" && ma.Group == mb.Group {
		return r.groupRho
	}
	return 0
}
