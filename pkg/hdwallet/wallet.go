// 托管账户私钥派生
package hdwallet

import (
	"crypto/ecdsa"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const coinTypeETH = 60

var ErrBadMnemonic = errors.New("hdwallet: invalid mnemonic")

type HDWallet struct {
	// 主私钥
	masterKey *hdkeychain.ExtendedKey
}

// New 助记词 -> 种子 -> 根私钥
func New(mnemonic string) (*HDWallet, error) {
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: master}, nil
}

// DeriveKey 按 BIP44 派生 EVM 账户：m / 44' / 60' / 0' / 0 / index
func (w *HDWallet) DeriveKey(index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,          // Purpose
		coinTypeETH + hdkeychain.HardenedKeyStart, // CoinType
		0 + hdkeychain.HardenedKeyStart,           // Account
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, common.Address{}, err
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, common.Address{}, err
	}
	ecdsaKey := priv.ToECDSA()
	return ecdsaKey, crypto.PubkeyToAddress(ecdsaKey.PublicKey), nil
}
