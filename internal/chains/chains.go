// Package chains holds the per-chain catalog of priced tokens and the
// contracts every chain is subscribed to from startup.
package chains

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/zilstream/grants-indexer/internal/changeset"
)

//go:embed chains.yaml
var defaultCatalog []byte

type Token struct {
	Address     string `yaml:"address"`
	Code        string `yaml:"code"`
	Decimals    int    `yaml:"decimals"`
	CoingeckoID string `yaml:"coingecko_id"`
}

type Subscription struct {
	Contract  string `yaml:"contract"`
	Version   string `yaml:"version"`
	Address   string `yaml:"address"`
	FromBlock uint64 `yaml:"from_block"`
}

type Chain struct {
	ID            int64          `yaml:"id"`
	Name          string         `yaml:"name"`
	Tokens        []Token        `yaml:"tokens"`
	Subscriptions []Subscription `yaml:"subscriptions"`

	tokens map[string]Token
}

// Token looks up a priced token by address, case-insensitively.
func (c *Chain) Token(address string) (Token, bool) {
	t, ok := c.tokens[strings.ToLower(address)]
	return t, ok
}

// StaticSubscriptions returns the chain's startup subscriptions. A non-zero
// fromBlock raises every start block to at least that height.
func (c *Chain) StaticSubscriptions(fromBlock uint64) []changeset.Subscription {
	subs := make([]changeset.Subscription, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		start := s.FromBlock
		if fromBlock > start {
			start = fromBlock
		}
		subs = append(subs, changeset.Subscription{
			ContractName: s.Contract,
			Version:      s.Version,
			Address:      s.Address,
			FromBlock:    start,
		})
	}
	return subs
}

type Catalog struct {
	chains map[int64]*Chain
}

// Chain returns the catalog entry for id.
func (c *Catalog) Chain(id int64) (*Chain, bool) {
	ch, ok := c.chains[id]
	return ch, ok
}

// Token looks up a token on a chain.
func (c *Catalog) Token(chainID int64, address string) (Token, bool) {
	ch, ok := c.chains[chainID]
	if !ok {
		return Token{}, false
	}
	return ch.Token(address)
}

// Loader reads catalogs from YAML.
type Loader struct {
	logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "catalog_loader").Logger()}
}

// Load reads the catalog at path, or the embedded one when path is empty.
func (l *Loader) Load(path string) (*Catalog, error) {
	if path == "" {
		l.logger.Debug().Msg("Loading embedded chain catalog")
		return l.Parse(defaultCatalog)
	}

	l.logger.Debug().Str("path", path).Msg("Loading chain catalog from file")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return l.Parse(data)
}

// Parse decodes, normalizes and validates a catalog document.
func (l *Loader) Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Chains []*Chain `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse chain catalog: %w", err)
	}

	cat := &Catalog{chains: make(map[int64]*Chain, len(doc.Chains))}
	for _, ch := range doc.Chains {
		if err := normalize(ch); err != nil {
			return nil, err
		}
		if _, dup := cat.chains[ch.ID]; dup {
			return nil, fmt.Errorf("chain %d listed twice", ch.ID)
		}
		cat.chains[ch.ID] = ch

		l.logger.Debug().
			Int64("chain_id", ch.ID).
			Str("name", ch.Name).
			Int("tokens", len(ch.Tokens)).
			Int("subscriptions", len(ch.Subscriptions)).
			Msg("Loaded chain")
	}
	return cat, nil
}

func normalize(ch *Chain) error {
	if ch.ID == 0 {
		return fmt.Errorf("chain %q has no id", ch.Name)
	}

	ch.tokens = make(map[string]Token, len(ch.Tokens))
	for i := range ch.Tokens {
		t := &ch.Tokens[i]
		t.Address = strings.ToLower(t.Address)
		if t.Decimals < 0 || t.Decimals > 36 {
			return fmt.Errorf("chain %d token %s: decimals %d out of range", ch.ID, t.Code, t.Decimals)
		}
		if t.CoingeckoID == "" {
			return fmt.Errorf("chain %d token %s: coingecko_id is required", ch.ID, t.Code)
		}
		ch.tokens[t.Address] = *t
	}

	for i := range ch.Subscriptions {
		s := &ch.Subscriptions[i]
		s.Address = strings.ToLower(s.Address)
		if s.Contract == "" || s.Version == "" || s.Address == "" {
			return fmt.Errorf("chain %d: subscription %d is incomplete", ch.ID, i)
		}
	}
	return nil
}
