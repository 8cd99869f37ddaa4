package chain

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tidwall/gjson"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidKeyMaterial is returned for blobs without a usable seed or privateKey.
var ErrInvalidKeyMaterial = errors.New("invalid key material")

// Signer holds one private key for the duration of a single operation.
// Close zeroes the key; a closed signer cannot sign.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address {
	return s.address
}

// Close zeroes the private scalar. It is safe to call more than once.
func (s *Signer) Close() {
	if s == nil || s.key == nil {
		return
	}
	zeroKey(s.key)
	s.key = nil
}

// NewSigner wraps a raw private key. The caller must not reuse key after Close.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// DeriveSigner builds a signer from a stored key-material blob. The blob is a JSON
// object holding either "privateKey" (hex) or "seed" (BIP-39 mnemonic or hex seed,
// derived along m/44'/60'/0'/0/0). The blob bytes are zeroed before returning.
func DeriveSigner(blob []byte) (*Signer, error) {
	defer zeroBytes(blob)

	if !gjson.ValidBytes(blob) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidKeyMaterial)
	}

	if pk := gjson.GetBytes(blob, "privateKey"); pk.Exists() && pk.String() != "" {
		raw, err := decodeHex(pk.String())
		if err != nil {
			return nil, fmt.Errorf("%w: privateKey: %v", ErrInvalidKeyMaterial, err)
		}
		defer zeroBytes(raw)
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: privateKey: %v", ErrInvalidKeyMaterial, err)
		}
		return NewSigner(key), nil
	}

	if s := gjson.GetBytes(blob, "seed"); s.Exists() && s.String() != "" {
		seed, err := seedBytes(s.String())
		if err != nil {
			return nil, err
		}
		defer zeroBytes(seed)
		key, err := deriveFromSeed(seed, accounts.DefaultBaseDerivationPath)
		if err != nil {
			return nil, fmt.Errorf("%w: seed: %v", ErrInvalidKeyMaterial, err)
		}
		return NewSigner(key), nil
	}

	return nil, fmt.Errorf("%w: neither seed nor privateKey present", ErrInvalidKeyMaterial)
}

// seedBytes accepts a hex-encoded seed or a BIP-39 mnemonic phrase. A phrase is
// NFKD-normalized and must pass the English wordlist and checksum.
func seedBytes(value string) ([]byte, error) {
	if raw, err := decodeHex(value); err == nil && len(raw) >= 16 && len(raw) <= 64 {
		return raw, nil
	}

	phrase := strings.Join(strings.Fields(norm.NFKD.String(value)), " ")
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is neither hex nor a valid mnemonic: %v", ErrInvalidKeyMaterial, err)
	}
	zeroBytes(entropy)

	mnemonic := []byte(phrase)
	defer zeroBytes(mnemonic)
	return pbkdf2.Key(mnemonic, []byte("mnemonic"), 2048, 64, sha512.New), nil
}

func deriveFromSeed(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	key := master
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return hex.DecodeString(s)
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
