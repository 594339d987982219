package chains

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalog(t *testing.T) {
	cat, err := NewLoader(zerolog.Nop()).Load("")
	require.NoError(t, err)

	for _, id := range []int64{1, 10, 42161} {
		ch, ok := cat.Chain(id)
		require.True(t, ok, "chain %d", id)
		assert.NotEmpty(t, ch.Subscriptions)

		eth, ok := ch.Token("0x0000000000000000000000000000000000000000")
		require.True(t, ok)
		assert.Equal(t, 18, eth.Decimals)
	}

	usdc, ok := cat.Token(1, "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48")
	require.True(t, ok)
	assert.Equal(t, 6, usdc.Decimals)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", usdc.Address)

	_, ok = cat.Token(999, usdc.Address)
	assert.False(t, ok)
}

func TestStaticSubscriptionsFromBlock(t *testing.T) {
	cat, err := NewLoader(zerolog.Nop()).Parse([]byte(`
chains:
  - id: 5
    tokens: []
    subscriptions:
      - {contract: AlloV2/Registry, version: V1, address: "0xAB", from_block: 100}
      - {contract: AlloV2/Allo, version: V1, address: "0xCD", from_block: 300}
`))
	require.NoError(t, err)
	ch, _ := cat.Chain(5)

	subs := ch.StaticSubscriptions(200)
	require.Len(t, subs, 2)
	assert.Equal(t, "0xab", subs[0].Address)
	assert.Equal(t, uint64(200), subs[0].FromBlock)
	assert.Equal(t, uint64(300), subs[1].FromBlock)

	assert.Equal(t, uint64(100), ch.StaticSubscriptions(0)[0].FromBlock)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "chains: ["},
		{"missing id", "chains:\n  - name: x\n"},
		{"duplicate", "chains:\n  - id: 1\n  - id: 1\n"},
		{"no coingecko id", "chains:\n  - id: 1\n    tokens:\n      - {address: '0x0', code: ETH, decimals: 18}\n"},
		{"incomplete subscription", "chains:\n  - id: 1\n    subscriptions:\n      - {contract: X}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(zerolog.Nop()).Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  - id: 7\n"), 0o644))

	cat, err := NewLoader(zerolog.Nop()).Load(path)
	require.NoError(t, err)
	_, ok := cat.Chain(7)
	assert.True(t, ok)

	_, err = NewLoader(zerolog.Nop()).Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
