// Package encryption wraps group symmetric keys for individual members
// using ECIES over secp256k1. Member public keys travel as hex-encoded
// uncompressed curve points on their profiles.
package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// ErrInvalidKeyFormat indicates a member's public encryption key can't be
// parsed into a curve point.
var ErrInvalidKeyFormat = errors.New("invalid public encryption key")

// SymmetricKeySize is the group key size in bytes.
const SymmetricKeySize = 32

// NewSymmetricKey generates a fresh 256-bit group key.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating symmetric key: %s", err)
	}
	return key, nil
}

// WrapKey encrypts the symmetric key with a member's public encryption key.
func WrapKey(publicKeyHex string, key []byte) ([]byte, error) {
	raw := common.FromHex(publicKeyHex)
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}
	wrapped, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting symmetric key: %s", err)
	}
	return wrapped, nil
}

// UnwrapKey decrypts a wrapped symmetric key with the member's private key.
func UnwrapKey(priv *ecdsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := ecies.ImportECDSA(priv).Decrypt(wrapped, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting symmetric key: %s", err)
	}
	return key, nil
}

// PublicKeyHex renders a private key's public half the way profiles store
// it.
func PublicKeyHex(priv *ecdsa.PrivateKey) string {
	return common.Bytes2Hex(crypto.FromECDSAPub(&priv.PublicKey))
}
