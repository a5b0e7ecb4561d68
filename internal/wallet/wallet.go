// Package wallet loads and generates the secp256k1 key that pays for resources
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned when no private key is configured
var ErrNoKey = errors.New("wallet private key not configured")

// Wallet holds the payer key and its derived address
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadPrivateKey parses a hex private key with or without the 0x prefix
func LoadPrivateKey(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, ErrNoKey
	}
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return fromKey(key), nil
}

// Generate creates a fresh random wallet
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the checksummed payer address
func (w *Wallet) Address() common.Address {
	return w.address
}

// PrivateKey returns the signing key for the settlement layer
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.key
}

// HexKey returns the 0x-prefixed private key. Only the CLI prints it, on generate.
func (w *Wallet) HexKey() string {
	return hexutil.Encode(crypto.FromECDSA(w.key))
}

// Sign returns a 0x-prefixed 65-byte signature over the Keccak-256 hash of payload
func (w *Wallet) Sign(payload []byte) (string, error) {
	hash := crypto.Keccak256Hash(payload)
	sig, err := crypto.Sign(hash.Bytes(), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// Verify reports whether signature over payload was produced by address
func Verify(address common.Address, payload []byte, signature string) (bool, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return false, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	hash := crypto.Keccak256Hash(payload)
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub) == address, nil
}
