package hdwallet

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 本地开发链默认助记词
const devMnemonic = "test test test test test test test test test test test junk"

func TestDeriveKey_DevAccounts(t *testing.T) {
	w, err := New(devMnemonic)
	require.NoError(t, err)

	key, addr, err := w.DeriveKey(0)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr.Hex())
	assert.Equal(t, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", fmt.Sprintf("%x", crypto.FromECDSA(key)))

	_, addr1, err := w.DeriveKey(1)
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", addr1.Hex())
}

func TestDeriveKey_Deterministic(t *testing.T) {
	w1, err := New(devMnemonic)
	require.NoError(t, err)
	w2, err := New(devMnemonic)
	require.NoError(t, err)
	_, a1, err := w1.DeriveKey(1500)
	require.NoError(t, err)
	_, a2, err := w2.DeriveKey(1500)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestNew_BadMnemonic(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrBadMnemonic)
	_, err = New("not a real mnemonic at all")
	assert.ErrorIs(t, err, ErrBadMnemonic)
}
