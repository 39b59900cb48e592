// Package rule - Payout derivation from source deposits.
package rule

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/orbiterx/settlement/pkg/helpers"
)

// Deposit is the evaluator's view of a source transfer.
type Deposit struct {
	ChainID   string
	Hash      string
	Sender    string
	Receiver  string
	Token     string
	Symbol    string
	Value     string // raw integer string carrying the security code
	Nonce     uint64
	Timestamp int64
	Calldata  string
	Version   string
}

// Result is the derived payout obligation for a deposit.
type Result struct {
	RuleID string

	SecurityCode  uint64
	DealerID      uint64
	EbcID         uint64
	DealerAddress string
	EbcAddress    string

	SourceToken   *Token
	TargetChain   string
	TargetToken   *Token
	TargetAddress string

	// ResponseAmount carries the 4-digit safety code (the source nonce)
	// in its trailing digits.
	ResponseAmount *big.Int
	WithholdingFee *big.Int
	TradeFee       *big.Int

	ResponseMakers []string
}

// Engine evaluates deposits, dispatching on the bridge protocol version.
type Engine struct {
	graph    Graph
	provider *Provider
}

// NewEngine creates an evaluator over the given graph and rule provider.
func NewEngine(graph Graph, provider *Provider) *Engine {
	return &Engine{graph: graph, provider: provider}
}

// Evaluate derives the payout for a source deposit. The result is
// deterministic for a given deposit and rule snapshot.
func (e *Engine) Evaluate(d *Deposit) (*Result, error) {
	switch {
	case strings.HasPrefix(d.Version, "1-"):
		return e.evaluateV1(d)
	case strings.HasPrefix(d.Version, "2-"):
		return e.evaluateV2(d)
	default:
		return nil, fmt.Errorf("%w: unknown version %q", ErrSecurityCodeInvalid, d.Version)
	}
}

// evaluateV2 decodes the 4-digit security code: digit 0 is the dealer id,
// digit 1 the EBC id, digits 2-3 the target chain index.
func (e *Engine) evaluateV2(d *Deposit) (*Result, error) {
	if d.Nonce > 9999 {
		return nil, fmt.Errorf("%w: nonce %d exceeds safety code range", ErrSecurityCodeInvalid, d.Nonce)
	}

	value, err := helpers.ParseBig(d.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityCodeInvalid, err)
	}

	code := new(big.Int).Mod(value, big.NewInt(10000)).Uint64()
	digits := helpers.PadCode(code)
	dealerID := uint64(digits[0] - '0')
	ebcID := uint64(digits[1] - '0')
	chainIndex, _ := strconv.ParseUint(digits[2:4], 10, 64)

	dealerAddr, ok := e.graph.Dealer(d.Receiver, d.Timestamp, dealerID)
	if !ok {
		return nil, fmt.Errorf("%w: dealer %d", ErrRuleNotFound, dealerID)
	}
	ebcAddr, ok := e.graph.Ebc(d.Receiver, d.Timestamp, ebcID)
	if !ok {
		return nil, fmt.Errorf("%w: ebc %d", ErrRuleNotFound, ebcID)
	}
	targetChain, ok := e.graph.ChainByIndex(d.Receiver, d.Timestamp, chainIndex)
	if !ok {
		return nil, fmt.Errorf("%w: chain index %d", ErrRuleNotFound, chainIndex)
	}

	res, err := e.derive(d, targetChain, code)
	if err != nil {
		return nil, err
	}
	res.DealerID = dealerID
	res.EbcID = ebcID
	res.DealerAddress = dealerAddr
	res.EbcAddress = ebcAddr
	return res, nil
}

// derive runs the shared amount arithmetic once the target chain is known.
// targetAddress defaults to the deposit sender; V1 cross-address deposits
// override it from calldata before calling.
func (e *Engine) derive(d *Deposit, targetChain string, code uint64) (*Result, error) {
	srcToken, err := e.provider.TokenByAddress(d.ChainID, d.Token)
	if err != nil {
		return nil, err
	}
	dstToken, err := e.provider.TokenByMainnet(targetChain, srcToken.MainnetToken)
	if err != nil {
		return nil, err
	}

	r, err := e.provider.RuleFor(d.ChainID, targetChain, srcToken.Symbol, dstToken.Symbol)
	if err != nil {
		return nil, err
	}

	// Select the fee side by which chain the deposit entered on.
	tradeFeeStr, withholdingStr := r.Chain1TradeFee, r.Chain1WithholdingFee
	if r.Chain0 == d.ChainID {
		tradeFeeStr, withholdingStr = r.Chain0TradeFee, r.Chain0WithholdingFee
	}

	value, err := helpers.ParseBig(d.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityCodeInvalid, err)
	}
	withholdingFee, err := helpers.ParseBig(zeroIfEmpty(withholdingStr))
	if err != nil {
		return nil, fmt.Errorf("invalid withholding fee in rule %s: %w", r.ID, err)
	}
	tradeFeeBps, err := helpers.ParseBig(zeroIfEmpty(tradeFeeStr))
	if err != nil {
		return nil, fmt.Errorf("invalid trade fee in rule %s: %w", r.ID, err)
	}

	ten4 := big.NewInt(10000)

	tradeAmount := new(big.Int).Sub(value, big.NewInt(int64(code)))
	tradeAmount.Sub(tradeAmount, withholdingFee)
	if tradeAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit below withholding fee", ErrAmountOutOfRange)
	}

	tradingFee := new(big.Int).Mul(tradeAmount, tradeFeeBps)
	tradingFee.Quo(tradingFee, ten4)

	// Truncate the last four digits, then splice the safety code (the
	// source nonce) into them so the reverse matcher can pair the payout
	// with its deposit.
	raw := new(big.Int).Sub(tradeAmount, tradingFee)
	raw.Quo(raw, ten4)
	raw.Mul(raw, ten4)
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: derived amount truncates to zero", ErrAmountOutOfRange)
	}
	responseAmount := new(big.Int).Add(raw, new(big.Int).SetUint64(d.Nonce))

	// Minimum price enforcement is disabled; only the upper bound holds.
	if r.MaxPrice != "" && r.MaxPrice != "0" {
		maxPrice, err := helpers.ParseBig(r.MaxPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid max price in rule %s: %w", r.ID, err)
		}
		if responseAmount.Cmp(maxPrice) > 0 {
			return nil, fmt.Errorf("%w: %s exceeds max price %s", ErrAmountOutOfRange,
				responseAmount, maxPrice)
		}
	}

	makers := append([]string{d.Receiver}, r.ResponseMakerList...)

	return &Result{
		RuleID:         r.ID,
		SecurityCode:   code,
		SourceToken:    srcToken,
		TargetChain:    targetChain,
		TargetToken:    dstToken,
		TargetAddress:  strings.ToLower(d.Sender),
		ResponseAmount: responseAmount,
		WithholdingFee: withholdingFee,
		TradeFee:       tradingFee,
		ResponseMakers: dedupLower(makers),
	}, nil
}

func dedupLower(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func zeroIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}
