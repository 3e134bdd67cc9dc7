package tap

import (
	"encoding/binary"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// EIP712Encodable is implemented by types that can be EIP-712 encoded.
type EIP712Encodable interface {
	eip712TypeHash() eth.Hash
	eip712EncodeData() []byte
}

// Domain is the fixed EIP-712 domain separator for TAP receipts and RAVs:
// { name: "TAP", version: "1", chain_id, verifying_contract }.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract Address
}

var (
	eip712DomainTypeHash = keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	receiptTypeHash = keccak256([]byte(
		"Receipt(address allocation_id,uint64 timestamp_ns,uint64 nonce,uint128 value)"))

	ravTypeHash = keccak256([]byte(
		"ReceiptAggregateVoucher(address allocationId,uint64 timestampNs,uint128 valueAggregate)"))
)

// NewDomain builds the process-wide TAP EIP-712 domain from the two static
// configuration values (receipts.receipts_verifier_chain_id,
// receipts.receipts_verifier_address). It is computed once at startup and
// passed by reference thereafter; it is never re-initialized as a global
// singleton so tests can run multiple independent domains in one process.
func NewDomain(chainID uint64, verifyingContract Address) *Domain {
	return &Domain{
		Name:              "TAP",
		Version:           "1",
		ChainID:           new(big.Int).SetUint64(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Separator computes the EIP-712 domain separator hash.
func (d *Domain) Separator() eth.Hash {
	encoded := make([]byte, 0, 32*4)
	encoded = append(encoded, eip712DomainTypeHash[:]...)
	encoded = append(encoded, keccak256([]byte(d.Name))[:]...)
	encoded = append(encoded, keccak256([]byte(d.Version))[:]...)
	encoded = append(encoded, padLeft(d.ChainID.Bytes(), 32)...)
	encoded = append(encoded, padLeft(d.VerifyingContract[:], 32)...)
	return keccak256(encoded)
}

func (r *Receipt) eip712TypeHash() eth.Hash { return receiptTypeHash }

func (r *Receipt) eip712EncodeData() []byte {
	encoded := make([]byte, 0, 32*4)
	encoded = append(encoded, padLeft(r.AllocationID[:], 32)...)
	encoded = append(encoded, encodeUint64(r.TimestampNs)...)
	encoded = append(encoded, encodeUint64(r.Nonce)...)
	encoded = append(encoded, encodeUint128(r.Value)...)
	return encoded
}

func (r *RAV) eip712TypeHash() eth.Hash { return ravTypeHash }

func (r *RAV) eip712EncodeData() []byte {
	encoded := make([]byte, 0, 32*3)
	encoded = append(encoded, padLeft(r.AllocationID[:], 32)...)
	encoded = append(encoded, encodeUint64(r.TimestampNs)...)
	encoded = append(encoded, encodeUint128(r.ValueAggregate)...)
	return encoded
}

// HashTypedData computes keccak256("\x19\x01" || domainSeparator || structHash).
func HashTypedData[T EIP712Encodable](domain *Domain, message T) eth.Hash {
	structHash := hashStruct(message)
	domainSep := domain.Separator()

	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSep[:]...)
	data = append(data, structHash[:]...)
	return keccak256(data)
}

func hashStruct[T EIP712Encodable](message T) eth.Hash {
	typeHash := message.eip712TypeHash()
	encodedData := message.eip712EncodeData()

	data := make([]byte, 0, 32+len(encodedData))
	data = append(data, typeHash[:]...)
	data = append(data, encodedData...)
	return keccak256(data)
}

func keccak256(data []byte) eth.Hash {
	return eth.Keccak256(data)
}

func padLeft(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	result := make([]byte, size)
	copy(result[size-len(b):], b)
	return result
}

func encodeUint64(v uint64) []byte {
	result := make([]byte, 32)
	binary.BigEndian.PutUint64(result[24:], v)
	return result
}

func encodeUint128(v *big.Int) []byte {
	result := make([]byte, 32)
	if v != nil {
		b := v.Bytes()
		copy(result[32-len(b):], b)
	}
	return result
}
