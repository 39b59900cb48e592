// Package account - Fee estimation.
package account

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// feeTimeout bounds the whole fee computation end to end.
const feeTimeout = 30 * time.Second

// Transaction types a caller may force.
const (
	TxTypeAuto    = -1
	TxTypeLegacy  = 0
	TxTypeDynamic = 2
)

// FeeFloors are chain-specific lower bounds from the environment config.
type FeeFloors struct {
	MinFeePerGas         *big.Int
	MinPriorityFeePerGas *big.Int
}

// FeeData is the priced outcome of fee estimation: either both dynamic-fee
// components or a legacy gas price.
type FeeData struct {
	Type                 uint8
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type feeReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// getGasPrice estimates fees, picking EIP-1559 when the provider reports
// both dynamic-fee components unless the caller forced a type. Both fee
// fields are floored with the chain's configured minimums and any zero
// component fails fast.
func getGasPrice(ctx context.Context, client feeReader, floors FeeFloors, forceType int) (*FeeData, error) {
	ctx, cancel := context.WithTimeout(ctx, feeTimeout)
	defer cancel()

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	dynamic := head.BaseFee != nil && forceType != TxTypeLegacy
	if forceType == TxTypeDynamic && head.BaseFee == nil {
		return nil, fmt.Errorf("EIP1559 Fee fail: chain has no base fee")
	}

	if dynamic {
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			if forceType == TxTypeDynamic {
				return nil, fmt.Errorf("EIP1559 Fee fail: %w", err)
			}
			// No tip oracle: fall through to legacy pricing.
			return legacyFee(ctx, client, floors)
		}

		tip = floorFee(tip, floors.MinPriorityFeePerGas)
		// Base fee doubled leaves headroom for the next blocks.
		maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		maxFee = floorFee(maxFee, floors.MinFeePerGas)

		if tip.Sign() == 0 || maxFee.Sign() == 0 {
			return nil, fmt.Errorf("EIP1559 Fee fail: zero fee component")
		}
		return &FeeData{
			Type:                 types.DynamicFeeTxType,
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: tip,
		}, nil
	}

	return legacyFee(ctx, client, floors)
}

func legacyFee(ctx context.Context, client feeReader, floors FeeFloors) (*FeeData, error) {
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gasPrice Fee fail: %w", err)
	}
	gasPrice = floorFee(gasPrice, floors.MinFeePerGas)
	if gasPrice.Sign() == 0 {
		return nil, fmt.Errorf("gasPrice Fee fail: zero gas price")
	}
	return &FeeData{
		Type:     types.LegacyTxType,
		GasPrice: gasPrice,
	}, nil
}

func floorFee(v, floor *big.Int) *big.Int {
	if v == nil {
		v = new(big.Int)
	}
	if floor != nil && v.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return v
}
