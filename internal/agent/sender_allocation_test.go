package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/graphprotocol/tap-agent/internal/rav"
	"github.com/graphprotocol/tap-agent/internal/snapshot"
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupStore starts a throwaway Postgres container and applies the
// receipt/RAV schema, mirroring internal/store's own test setup — the
// actor tests exercise the real store, not a mock, since the pre-start
// recomputation's SQL is exactly what is under test.
func setupStore(t *testing.T) *store.Store {
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

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)

	var adminPool *pgxpool.Pool
	for i := 0; i < 20; i++ {
		adminPool, err = pgxpool.New(ctx, url)
		if err == nil {
			if pingErr := adminPool.Ping(ctx); pingErr == nil {
				break
			}
			adminPool.Close()
		}
		time.Sleep(250 * time.Millisecond)
	}
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, string(schema))
	require.NoError(t, err)
	adminPool.Close()

	s, err := store.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

type fakeAggregatorResult struct {
	Data     *tap.SignedRAV `json:"data"`
	Warnings []string       `json:"warnings,omitempty"`
}

type fakeAggregatorResponse struct {
	Result *fakeAggregatorResult `json:"result"`
}

func newFakeAggregator(t *testing.T, signedRAV *tap.SignedRAV, warnings []string) *httptest.Server {
	t.Helper()
	body, err := json.Marshal(fakeAggregatorResponse{Result: &fakeAggregatorResult{Data: signedRAV, Warnings: warnings}})
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
}

func testDomain() *tap.Domain {
	return tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
}

func TestSenderAllocation_TriggerRAVRequest_NineReceiptsSumToZeroAfter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	domain := testDomain()
	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	sender := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := key.PublicKey().Address()

	for i := int64(1); i <= 9; i++ {
		receipt := &tap.Receipt{AllocationID: allocationID, Nonce: uint64(i), TimestampNs: uint64(i), Value: big.NewInt(i)}
		signed, err := tap.Sign(domain, receipt, key)
		require.NoError(t, err)
		_, err = s.InsertReceipt(ctx, signer, signed)
		require.NoError(t, err)
	}

	aggregatorKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	aggregator := aggregatorKey.PublicKey().Address()

	expectedRAV := &tap.RAV{AllocationID: allocationID, TimestampNs: 9, ValueAggregate: big.NewInt(45)}
	signedRAV, err := tap.Sign(domain, expectedRAV, aggregatorKey)
	require.NoError(t, err)

	server := newFakeAggregator(t, signedRAV, nil)
	defer server.Close()

	escrow := snapshot.NewEscrowFeed()
	escrow.Publish(snapshot.NewEscrowAccounts(
		map[tap.Address]*big.Int{sender: big.NewInt(1000)},
		map[tap.Address][]tap.Address{sender: {signer}},
	))

	cfg := SenderAllocationConfig{
		Domain:                      domain,
		Store:                       s,
		Escrow:                      escrow,
		Aggregator:                  rav.NewAggregatorClient(server.URL, 5*time.Second),
		AuthorizedAggregators:       map[tap.Address]bool{aggregator: true},
		RAVRequestTimestampBufferNs: 0,
	}

	toParent := make(chan SenderAccountMessage, 16)
	actor := NewSenderAllocation(allocationID, sender, cfg, toParent)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- actor.Run(runCtx) }()

	// pre-start push: value=45
	preStart := (<-toParent).(UpdateReceiptFeesMessage)
	require.Equal(t, "45", preStart.Receipts.Value.String())

	reply := make(chan UnaggregatedReceipts, 1)
	actor.Inbox() <- TriggerRAVRequestMessage{Reply: reply}

	// the trigger causes another UpdateReceiptFees push with the
	// recomputed (now zero) state.
	postTrigger := (<-toParent).(UpdateReceiptFeesMessage)
	require.Equal(t, "0", postTrigger.Receipts.Value.String())

	select {
	case state := <-reply:
		require.Equal(t, "0", state.Value.String())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for trigger reply")
	}

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop after context cancellation")
	}
}

func TestSenderAllocation_CloseAllocation_MarksRAVFinal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	domain := testDomain()
	allocationID := eth.MustNewAddress("0x3333333333333333333333333333333333333333")
	sender := eth.MustNewAddress("0x4444444444444444444444444444444444444444")
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := key.PublicKey().Address()

	receipt := &tap.Receipt{AllocationID: allocationID, Nonce: 1, TimestampNs: 1, Value: big.NewInt(5)}
	signed, err := tap.Sign(domain, receipt, key)
	require.NoError(t, err)
	_, err = s.InsertReceipt(ctx, signer, signed)
	require.NoError(t, err)

	aggregatorKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	aggregator := aggregatorKey.PublicKey().Address()

	expectedRAV := &tap.RAV{AllocationID: allocationID, TimestampNs: 1, ValueAggregate: big.NewInt(5)}
	signedRAV, err := tap.Sign(domain, expectedRAV, aggregatorKey)
	require.NoError(t, err)

	server := newFakeAggregator(t, signedRAV, nil)
	defer server.Close()

	escrow := snapshot.NewEscrowFeed()
	escrow.Publish(snapshot.NewEscrowAccounts(
		map[tap.Address]*big.Int{sender: big.NewInt(1000)},
		map[tap.Address][]tap.Address{sender: {signer}},
	))

	cfg := SenderAllocationConfig{
		Domain:                      domain,
		Store:                       s,
		Escrow:                      escrow,
		Aggregator:                  rav.NewAggregatorClient(server.URL, 5*time.Second),
		AuthorizedAggregators:       map[tap.Address]bool{aggregator: true},
		RAVRequestTimestampBufferNs: 0,
	}

	toParent := make(chan SenderAccountMessage, 16)
	actor := NewSenderAllocation(allocationID, sender, cfg, toParent)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- actor.Run(runCtx) }()

	<-toParent // pre-start push

	actor.Inbox() <- CloseAllocationMessage{}

	<-toParent // post-close UpdateReceiptFees(zero)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop after CloseAllocation")
	}

	ts, err := s.CurrentRAVTimestamp(ctx, allocationID, sender)
	require.NoError(t, err)
	require.NotNil(t, ts)
	require.Equal(t, uint64(1), *ts)
}
