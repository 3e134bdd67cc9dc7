package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/tap-agent/internal/admitter"
	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
)

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyAndStore(ctx context.Context, signed *tap.SignedReceipt) error {
	return f.err
}

func testReceipt(t *testing.T) *tap.SignedReceipt {
	t.Helper()
	domain := tap.NewDomain(1, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	receipt := &tap.Receipt{
		AllocationID: eth.MustNewAddress("0x1111111111111111111111111111111111111111"),
		Nonce:        1,
		TimestampNs:  1,
		Value:        big.NewInt(100),
	}
	signed, err := tap.Sign(domain, receipt, key)
	require.NoError(t, err)
	return signed
}

func newTestServer(verifier Verifier) *httptest.Server {
	router := mux.NewRouter()
	downstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deploymentID, _ := DeploymentIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("served:" + deploymentID))
	})
	NewHandler(verifier, downstream).Register(router, "")
	return httptest.NewServer(router)
}

func postReceipt(t *testing.T, server *httptest.Server, signed *tap.SignedReceipt) *http.Response {
	t.Helper()
	body, err := json.Marshal(receiptEnvelope{Receipt: signed, Query: json.RawMessage(`{}`)})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/subgraphs/id/QmDeployment", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHandler_VerifiedReceiptReachesDownstream(t *testing.T) {
	server := newTestServer(&fakeVerifier{})
	defer server.Close()

	resp := postReceipt(t, server, testReceipt(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_IneligibleAllocationReturns400(t *testing.T) {
	server := newTestServer(&fakeVerifier{err: admitter.ErrIneligibleAllocation})
	defer server.Close()

	resp := postReceipt(t, server, testReceipt(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_StorageErrorReturns500(t *testing.T) {
	server := newTestServer(&fakeVerifier{err: errStorage{}})
	defer server.Close()

	resp := postReceipt(t, server, testReceipt(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type errStorage struct{}

func (errStorage) Error() string { return "storage error: connection refused" }

func TestHandler_MissingReceiptReturns400(t *testing.T) {
	server := newTestServer(&fakeVerifier{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/subgraphs/id/QmDeployment", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
