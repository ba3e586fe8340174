package router

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	tokenIn  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenOut = common.HexToAddress("0x2222222222222222222222222222222222222222")
	custody  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestEncodePathLayout(t *testing.T) {
	path := EncodePath(tokenIn, DefaultFeeTier, tokenOut)
	if len(path) != PathLength {
		t.Fatalf("expected %d bytes, got %d", PathLength, len(path))
	}
	if !bytes.Equal(path[:20], tokenIn.Bytes()) {
		t.Fatalf("input address mismatch: %x", path[:20])
	}
	// 3000 big-endian in three bytes.
	if path[20] != 0x00 || path[21] != 0x0b || path[22] != 0xb8 {
		t.Fatalf("fee encoding mismatch: %x", path[20:23])
	}
	if !bytes.Equal(path[23:], tokenOut.Bytes()) {
		t.Fatalf("output address mismatch: %x", path[23:])
	}
}

func TestEncodePathHighFeeTier(t *testing.T) {
	path := EncodePath(tokenIn, 0x0A0B0C, tokenOut)
	if path[20] != 0x0A || path[21] != 0x0B || path[22] != 0x0C {
		t.Fatalf("fee bytes mismatch: %x", path[20:23])
	}
}

func TestEncodeSwapInput(t *testing.T) {
	path := EncodePath(tokenIn, DefaultFeeTier, tokenOut)
	input, err := EncodeSwapInput(custody, big.NewInt(1000), big.NewInt(990), path, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Five head slots plus the dynamic bytes payload.
	if len(input) < 5*32 {
		t.Fatalf("encoded input too short: %d bytes", len(input))
	}
	// The recipient occupies the first slot, left padded.
	if !bytes.Equal(input[12:32], custody.Bytes()) {
		t.Fatalf("recipient slot mismatch: %x", input[:32])
	}
}

func TestEncodeSwapInputValidation(t *testing.T) {
	path := EncodePath(tokenIn, DefaultFeeTier, tokenOut)
	if _, err := EncodeSwapInput(custody, big.NewInt(0), big.NewInt(0), path, false); err == nil {
		t.Fatalf("expected error for zero input amount")
	}
	if _, err := EncodeSwapInput(custody, big.NewInt(1), big.NewInt(-1), path, false); err == nil {
		t.Fatalf("expected error for negative minimum")
	}
	if _, err := EncodeSwapInput(custody, big.NewInt(1), big.NewInt(0), path[:PathLength-1], false); err == nil {
		t.Fatalf("expected error for truncated path")
	}
}
