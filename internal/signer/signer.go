// Package signer wraps the locally held key that authorizes payments.
// A nil *Local models the "not connected" state.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Local signs payment authorizations and transactions with an in-process key.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocal parses a hex-encoded private key.
func NewLocal(hexKey string) (*Local, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's checksummed hex address.
func (l *Local) Address() string {
	return l.address.Hex()
}

// SignMessage produces an EIP-191 personal-message signature over payload.
func (l *Local) SignMessage(payload []byte) ([]byte, error) {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	digest := crypto.Keccak256([]byte(prefix), payload)
	sig, err := crypto.Sign(digest, l.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return sig, nil
}

// TransactOpts builds keyed transact opts for on-chain writes.
func (l *Local) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return opts, nil
}
