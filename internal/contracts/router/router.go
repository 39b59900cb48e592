// Package router packs calldata for the OrbiterRouterV3 batch-payout
// contract and the ERC-20 functions the settlement engine needs.
package router

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable",
		"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable",
		"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

const routerABIJSON = `[
	{"name":"transfers","type":"function","stateMutability":"payable",
		"inputs":[{"name":"tos","type":"address[]"},{"name":"values","type":"uint256[]"}],
		"outputs":[]},
	{"name":"transferTokens","type":"function","stateMutability":"nonpayable",
		"inputs":[{"name":"token","type":"address"},{"name":"tos","type":"address[]"},
			{"name":"values","type":"uint256[]"}],
		"outputs":[]}
]`

var (
	erc20ABI  abi.ABI
	routerABI abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	routerABI, err = abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid router abi: %v", err))
	}
}

// PackERC20Transfer encodes transfer(to, amount).
func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// PackERC20BalanceOf encodes balanceOf(account).
func PackERC20BalanceOf(account common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", account)
}

// UnpackERC20Balance decodes the result of a balanceOf call.
func UnpackERC20Balance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return balance, nil
}

// PackERC20Approve encodes approve(spender, amount).
func PackERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackERC20Allowance encodes allowance(owner, spender).
func PackERC20Allowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// PackTransfers encodes the payable batch payout transfers(tos, values).
// The transaction value must equal the sum of values.
func PackTransfers(tos []common.Address, values []*big.Int) ([]byte, error) {
	if len(tos) != len(values) {
		return nil, fmt.Errorf("tos/values length mismatch: %d != %d", len(tos), len(values))
	}
	return routerABI.Pack("transfers", tos, values)
}

// PackTransferTokens encodes the batch token payout
// transferTokens(token, tos, values).
func PackTransferTokens(token common.Address, tos []common.Address, values []*big.Int) ([]byte, error) {
	if len(tos) != len(values) {
		return nil, fmt.Errorf("tos/values length mismatch: %d != %d", len(tos), len(values))
	}
	return routerABI.Pack("transferTokens", token, tos, values)
}

// SumValues totals a batch payout's values for the payable call.
func SumValues(values []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, v := range values {
		sum.Add(sum, v)
	}
	return sum
}
