package market

import (
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{
		Risk: config.RiskConfig{
			GroupCorrelation: 0.6,
			Correlations:     []config.CorrelationConfig{{A: "b", B: "a", Rho: 0.9}},
		},
		Markets: []config.MarketConfig{
			{ID: "a", Group: "crypto", ResolutionTime: time.Now().Add(48 * time.Hour), TokenIDs: map[string]string{"yes": "111", "no": "222"}},
			{ID: "b", Group: "crypto"},
			{ID: "c", Group: "crypto"},
			{ID: "d", Platform: "kalshi"},
		},
	}
	r := NewRegistryFromConfig(cfg, "polymarket")

	m, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, m.Open)
	assert.Equal(t, "polymarket", m.Platform)

	dm, _ := r.Get("d")
	assert.Equal(t, "kalshi", dm.Platform)

	assert.Equal(t, 0.9, r.Correlation("a", "b"))
	assert.Equal(t, 0.6, r.Correlation("a", "c"))
	assert.Equal(t, 0.0, r.Correlation("a", "d"))
	assert.Equal(t, 1.0, r.Correlation("a", "a"))

	assert.Equal(t, "111", r.TokenFor("a", "YES"))
	assert.Equal(t, "b:NO", r.TokenFor("b", "no"))

	mid, outcome, ok := r.Resolve("222")
	require.True(t, ok)
	assert.Equal(t, "a", mid)
	assert.Equal(t, "NO", outcome)

	mid, outcome, ok = r.Resolve("b:YES")
	require.True(t, ok)
	assert.Equal(t, "b", mid)
	assert.Equal(t, "YES", outcome)

	r.Close("a")
	m, _ = r.Get("a")
	assert.False(t, m.Open)
}
