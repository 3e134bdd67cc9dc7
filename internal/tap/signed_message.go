package tap

import (
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// SignedMessage wraps a message with its EIP-712 signature over the TAP
// domain.
type SignedMessage[T any] struct {
	Message   T             `json:"message"`
	Signature eth.Signature `json:"signature"`
}

// SignedReceipt is a receipt with its signature.
type SignedReceipt = SignedMessage[*Receipt]

// SignedRAV is a RAV with its signature.
type SignedRAV = SignedMessage[*RAV]

// Sign creates a signed message using the domain and private key.
func Sign[T EIP712Encodable](domain *Domain, message T, key *eth.PrivateKey) (*SignedMessage[T], error) {
	messageHash := HashTypedData(domain, message)

	sig, err := key.Sign(messageHash)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}

	return &SignedMessage[T]{
		Message:   message,
		Signature: sig,
	}, nil
}

// RecoverSigner recovers the signer address from the signature.
func (sm *SignedMessage[T]) RecoverSigner(domain *Domain) (Address, error) {
	msg, ok := any(sm.Message).(EIP712Encodable)
	if !ok {
		return Address{}, fmt.Errorf("message does not implement EIP712Encodable")
	}

	messageHash := HashTypedData(domain, msg)
	return sm.Signature.Recover(messageHash)
}

// UniqueID returns the low-S normalized signature bytes, used for
// duplicate/malleability-resistant comparisons.
func (sm *SignedMessage[T]) UniqueID() [65]byte {
	return NormalizeSignature(sm.Signature)
}

// secp256k1 curve order N, used to normalize signatures to low-S form.
var secp256k1N, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
var secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

// NormalizeSignature returns the signature in low-S canonical form. This
// prevents malleability attacks where the same message can have two valid
// signatures recovering to the same address, which would otherwise defeat
// duplicate-receipt detection.
func NormalizeSignature(sig eth.Signature) [65]byte {
	var result [65]byte
	copy(result[:], sig[:])

	s := new(big.Int).SetBytes(sig[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
		sBytes := s.Bytes()
		for i := 32; i < 64; i++ {
			result[i] = 0
		}
		copy(result[64-len(sBytes):64], sBytes)
		result[64] ^= 1
	}

	return result
}
