package store

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupStore starts a throwaway Postgres container (same tool the
// teacher uses for its Anvil chain, different image), applies the
// receipts/ravs schema, and returns a connected Store.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TAP_AGENT_SKIP_CONTAINER_TESTS") != "" {
		t.Skip("container tests disabled via TAP_AGENT_SKIP_CONTAINER_TESTS")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "tap",
			"POSTGRES_PASSWORD": "tap",
			"POSTGRES_DB":       "tap",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://tap:tap@%s:%s/tap?sslmode=disable", host, port.Port())

	var s *Store
	for i := 0; i < 20; i++ {
		s, err = Open(ctx, url)
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(s.Close)

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return s
}

func signedReceipt(t *testing.T, allocationID eth.Address, value int64, timestampNs, nonce uint64) (*tap.SignedReceipt, eth.Address) {
	t.Helper()
	domain := tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	receipt := &tap.Receipt{
		AllocationID: allocationID,
		Nonce:        nonce,
		TimestampNs:  timestampNs,
		Value:        big.NewInt(value),
	}
	signed, err := tap.Sign(domain, receipt, key)
	require.NoError(t, err)
	return signed, key.PublicKey().Address()
}

func TestStore_InsertReceiptAndNotify(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	listener, err := s.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close(context.Background()) })

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	signed, signer := signedReceipt(t, allocationID, 7, 100, 1)

	id, err := s.InsertReceipt(ctx, signer, signed)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := listener.Next(waitCtx)
	require.NoError(t, err)
	require.Equal(t, id, n.ID)
	require.Equal(t, allocationID, n.AllocationID)
	require.Equal(t, signer, n.SignerAddress)
	require.Equal(t, uint64(100), n.TimestampNs)
	require.Equal(t, "7", n.Value.String())
}

func TestStore_InsertReceiptDuplicateSignature(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	signed, signer := signedReceipt(t, allocationID, 1, 1, 1)

	_, err := s.InsertReceipt(ctx, signer, signed)
	require.NoError(t, err)

	_, err = s.InsertReceipt(ctx, signer, signed)
	require.ErrorIs(t, err, ErrDuplicateReceipt)
}

func TestStore_SumValues_FreshPairNineReceipts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	// signedReceipt signs every receipt with a fresh key, so the pair's
	// signer set is every one of those keys.
	var signers []eth.Address
	for i := int64(1); i <= 9; i++ {
		signed, signer := signedReceipt(t, allocationID, i, uint64(i), uint64(i))
		signers = append(signers, signer)
		_, err := s.InsertReceipt(ctx, signer, signed)
		require.NoError(t, err)
	}

	maxID, sum, err := s.SumValues(ctx, allocationID, signers, nil)
	require.NoError(t, err)
	require.NotNil(t, maxID)
	require.Equal(t, "45", sum.String())
}

func TestStore_SumValues_ReceiptsStraddlingRAV(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	sender := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	domain := tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	aggregatorKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	rav := &tap.RAV{AllocationID: allocationID, TimestampNs: 4, ValueAggregate: big.NewInt(10)}
	signedRAV, err := tap.Sign(domain, rav, aggregatorKey)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRAV(ctx, allocationID, sender, signedRAV, false))

	var signers []eth.Address
	for i := int64(1); i <= 9; i++ {
		signed, signer := signedReceipt(t, allocationID, i, uint64(i), uint64(i))
		signers = append(signers, signer)
		_, err := s.InsertReceipt(ctx, signer, signed)
		require.NoError(t, err)
	}

	since, err := s.CurrentRAVTimestamp(ctx, allocationID, sender)
	require.NoError(t, err)
	require.NotNil(t, since)
	require.Equal(t, uint64(4), *since)

	_, sum, err := s.SumValues(ctx, allocationID, signers, since)
	require.NoError(t, err)
	require.Equal(t, "35", sum.String(), "receipts with timestamp_ns > 4 sum to 5+6+7+8+9")
}

func TestStore_MarkRAVFinal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	sender := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	domain := tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	aggregatorKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	rav := &tap.RAV{AllocationID: allocationID, TimestampNs: 1, ValueAggregate: big.NewInt(1)}
	signedRAV, err := tap.Sign(domain, rav, aggregatorKey)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRAV(ctx, allocationID, sender, signedRAV, false))

	require.NoError(t, s.MarkRAVFinal(ctx, allocationID, sender))

	err = s.MarkRAVFinal(ctx, eth.MustNewAddress("0x9999999999999999999999999999999999999999"), sender)
	require.ErrorIs(t, err, ErrRAVRowCountMismatch)
}

func TestStore_DeleteObsolete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	sender := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	domain := tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	aggregatorKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	rav := &tap.RAV{AllocationID: allocationID, TimestampNs: 5, ValueAggregate: big.NewInt(15)}
	signedRAV, err := tap.Sign(domain, rav, aggregatorKey)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRAV(ctx, allocationID, sender, signedRAV, false))

	var signers []eth.Address
	for i := int64(1); i <= 9; i++ {
		signed, signer := signedReceipt(t, allocationID, i, uint64(i), uint64(i))
		signers = append(signers, signer)
		_, err := s.InsertReceipt(ctx, signer, signed)
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteObsolete(ctx, allocationID, sender))

	maxID, sum, err := s.SumValues(ctx, allocationID, signers, nil)
	require.NoError(t, err)
	require.NotNil(t, maxID)
	require.Equal(t, "35", sum.String(), "only receipts with timestamp_ns > 5 remain")
}
