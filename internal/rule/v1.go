// Package rule - V1 dialect.
// V1 deposits encode the target chain directly in the security code
// (9000 + chain index) and may carry a cross-address payout target in the
// deposit calldata instead of the dealer/EBC digits V2 uses.
package rule

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/orbiterx/settlement/pkg/helpers"
)

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)

// evaluateV1 derives the payout for a V1 deposit.
func (e *Engine) evaluateV1(d *Deposit) (*Result, error) {
	if d.Nonce > 9999 {
		return nil, fmt.Errorf("%w: nonce %d exceeds safety code range", ErrSecurityCodeInvalid, d.Nonce)
	}

	value, err := helpers.ParseBig(d.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityCodeInvalid, err)
	}

	code := new(big.Int).Mod(value, big.NewInt(10000)).Uint64()
	if code <= 9000 {
		return nil, fmt.Errorf("%w: code %d outside v1 range", ErrSecurityCodeInvalid, code)
	}
	chainIndex := code - 9000

	targetChain, ok := e.graph.ChainByIndex(d.Receiver, d.Timestamp, chainIndex)
	if !ok {
		return nil, fmt.Errorf("%w: chain index %d", ErrRuleNotFound, chainIndex)
	}

	res, err := e.derive(d, targetChain, code)
	if err != nil {
		return nil, err
	}
	if addr, ok := DecodeV1SwapData(d.Calldata); ok {
		res.TargetAddress = strings.ToLower(addr)
	}
	return res, nil
}

// DecodeV1SwapData extracts a cross-address payout target from V1 deposit
// calldata. The calldata is either a bare 0x address or hex-encoded text
// containing one; absence means the payout goes back to the deposit sender.
func DecodeV1SwapData(calldata string) (string, bool) {
	calldata = strings.TrimSpace(calldata)
	if calldata == "" {
		return "", false
	}

	if len(calldata) == 42 && addressPattern.MatchString(calldata) {
		return calldata, true
	}

	raw := strings.TrimPrefix(calldata, "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return "", false
	}
	if addr := addressPattern.FindString(string(decoded)); addr != "" {
		return addr, true
	}
	return "", false
}
