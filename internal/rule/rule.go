// Package rule derives payout obligations from source deposits.
// Rules come from the maker JSON documents; the dealer/EBC/chain graph comes
// from the configuration collaborator behind the Graph interface.
package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Evaluation errors
var (
	ErrSecurityCodeInvalid = errors.New("security code invalid")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrAmountOutOfRange    = errors.New("response amount out of range")
	ErrTokenNotFound       = errors.New("token not found")
	ErrChainNotFound       = errors.New("chain not found")
)

// Rule is one flattened maker rule: fees and bounds for a directional
// (source chain, target chain, source symbol, target symbol) pair.
type Rule struct {
	ID string

	Chain0  string
	Chain1  string
	Symbol0 string
	Symbol1 string

	// Fees for deposits entering on chain 0 / chain 1.
	Chain0TradeFee       string // basis points
	Chain0WithholdingFee string // smallest units
	Chain1TradeFee       string
	Chain1WithholdingFee string

	// Payout bounds in target smallest units. The minimum bound is
	// parsed but not enforced (policy).
	MinPrice string
	MaxPrice string

	ResponseMakerList []string
}

// makerRuleDoc mirrors one entry of a maker JSON document.
type makerRuleDoc struct {
	TradeFee       json.Number `json:"tradeFee"`
	WithholdingFee json.Number `json:"withholdingFee"`
	MinPrice       json.Number `json:"minPrice"`
	MaxPrice       json.Number `json:"maxPrice"`
	ResponseMakers struct {
		ResponseMakerList []string `json:"response_maker_list"`
	} `json:"responseMakers"`
}

// Token describes a settlement token on one chain.
type Token struct {
	Address      string `yaml:"address" json:"address"`
	Symbol       string `yaml:"symbol" json:"symbol"`
	Decimals     uint8  `yaml:"decimals" json:"decimals"`
	MainnetToken string `yaml:"mainnet_token" json:"mainnet_token"`
}

// Chain describes one supported chain and its tokens.
type Chain struct {
	ChainID string  `yaml:"chain_id" json:"chain_id"`
	Index   uint64  `yaml:"index" json:"index"`
	Tokens  []Token `yaml:"tokens" json:"tokens"`
}

// Provider holds the flattened rule set and the chain/token registry.
type Provider struct {
	rules  map[string]*Rule
	chains []Chain
}

// NewProvider creates a provider over the given chain registry.
func NewProvider(chains []Chain) *Provider {
	return &Provider{
		rules:  make(map[string]*Rule),
		chains: chains,
	}
}

// LoadMakerFiles loads and flattens the maker rule documents
// (maker-1..4.json). Later files override earlier entries for the same
// chain/symbol pair.
func (p *Provider) LoadMakerFiles(paths ...string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read maker file %s: %w", path, err)
		}

		var doc map[string]map[string]makerRuleDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse maker file %s: %w", path, err)
		}

		for chainPair, symbols := range doc {
			chain0, chain1, ok := splitPair(chainPair)
			if !ok {
				return fmt.Errorf("invalid chain pair %q in %s", chainPair, path)
			}
			for symbolPair, entry := range symbols {
				sym0, sym1, ok := splitPair(symbolPair)
				if !ok {
					return fmt.Errorf("invalid symbol pair %q in %s", symbolPair, path)
				}
				r := &Rule{
					ID:                   chainPair + ":" + symbolPair,
					Chain0:               chain0,
					Chain1:               chain1,
					Symbol0:              strings.ToUpper(sym0),
					Symbol1:              strings.ToUpper(sym1),
					Chain0TradeFee:       entry.TradeFee.String(),
					Chain0WithholdingFee: entry.WithholdingFee.String(),
					Chain1TradeFee:       entry.TradeFee.String(),
					Chain1WithholdingFee: entry.WithholdingFee.String(),
					MinPrice:             entry.MinPrice.String(),
					MaxPrice:             entry.MaxPrice.String(),
					ResponseMakerList:    entry.ResponseMakers.ResponseMakerList,
				}
				p.rules[ruleKey(chain0, chain1, r.Symbol0, r.Symbol1)] = r
			}
		}
	}
	return nil
}

// AddRule registers a rule directly. Used by tests and hot reloads.
func (p *Provider) AddRule(r *Rule) {
	if r.ID == "" {
		r.ID = r.Chain0 + "-" + r.Chain1 + ":" + r.Symbol0 + "-" + r.Symbol1
	}
	p.rules[ruleKey(r.Chain0, r.Chain1, r.Symbol0, r.Symbol1)] = r
}

// RuleFor looks up the rule for a directional chain/symbol pair. Rules are
// stored bidirectionally: a deposit entering on the rule's chain 1 side
// matches the same record with the sides swapped.
func (p *Provider) RuleFor(sourceChain, targetChain, sourceSymbol, targetSymbol string) (*Rule, error) {
	sourceSymbol = strings.ToUpper(sourceSymbol)
	targetSymbol = strings.ToUpper(targetSymbol)
	if r, ok := p.rules[ruleKey(sourceChain, targetChain, sourceSymbol, targetSymbol)]; ok {
		return r, nil
	}
	if r, ok := p.rules[ruleKey(targetChain, sourceChain, targetSymbol, sourceSymbol)]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s->%s %s->%s", ErrRuleNotFound,
		sourceChain, targetChain, sourceSymbol, targetSymbol)
}

// ChainByID returns the chain registry entry for a chain id.
func (p *Provider) ChainByID(chainID string) (*Chain, error) {
	for i := range p.chains {
		if p.chains[i].ChainID == chainID {
			return &p.chains[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
}

// TokenByAddress finds a token on a chain by contract address.
func (p *Provider) TokenByAddress(chainID, address string) (*Token, error) {
	c, err := p.ChainByID(chainID)
	if err != nil {
		return nil, err
	}
	address = strings.ToLower(address)
	for i := range c.Tokens {
		if strings.ToLower(c.Tokens[i].Address) == address {
			return &c.Tokens[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s on chain %s", ErrTokenNotFound, address, chainID)
}

// TokenByMainnet finds the token on a chain sharing the given mainnet token,
// which is how source and target tokens pair up across chains.
func (p *Provider) TokenByMainnet(chainID, mainnetToken string) (*Token, error) {
	c, err := p.ChainByID(chainID)
	if err != nil {
		return nil, err
	}
	mainnetToken = strings.ToLower(mainnetToken)
	for i := range c.Tokens {
		if strings.ToLower(c.Tokens[i].MainnetToken) == mainnetToken {
			return &c.Tokens[i], nil
		}
	}
	return nil, fmt.Errorf("%w: mainnet token %s on chain %s", ErrTokenNotFound, mainnetToken, chainID)
}

func ruleKey(chain0, chain1, sym0, sym1 string) string {
	return chain0 + "-" + chain1 + ":" + sym0 + "-" + sym1
}

func splitPair(s string) (string, string, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
