package router

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackERC20Transfer(t *testing.T) {
	to := common.HexToAddress("0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	data, err := PackERC20Transfer(to, big.NewInt(1000))
	if err != nil {
		t.Fatalf("PackERC20Transfer() error = %v", err)
	}
	// keccak256("transfer(address,uint256)")[:4]
	if hex.EncodeToString(data[:4]) != "a9059cbb" {
		t.Errorf("selector = %x", data[:4])
	}
	if len(data) != 68 {
		t.Errorf("calldata length = %d, want 68", len(data))
	}
}

func TestPackTransfers(t *testing.T) {
	tos := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	values := []*big.Int{big.NewInt(100), big.NewInt(200)}

	data, err := PackTransfers(tos, values)
	if err != nil {
		t.Fatalf("PackTransfers() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty calldata")
	}

	if _, err := PackTransfers(tos, values[:1]); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestPackTransferTokens(t *testing.T) {
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	tos := []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}
	values := []*big.Int{big.NewInt(100)}

	if _, err := PackTransferTokens(token, tos, values); err != nil {
		t.Fatalf("PackTransferTokens() error = %v", err)
	}
}

func TestSumValues(t *testing.T) {
	sum := SumValues([]*big.Int{big.NewInt(100), big.NewInt(200), big.NewInt(3)})
	if sum.Int64() != 303 {
		t.Errorf("SumValues = %d, want 303", sum.Int64())
	}
}
