package rav

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graphprotocol/tap-agent/internal/tap"
)

// AggregatorClient calls a sender's remote RAV-signing aggregator over
// JSON-RPC, per spec.md §6. No JSON-RPC client library is present in the
// retrieval pack (the teacher talks to its chain over raw eth_ JSON-RPC
// via streamingfast/eth-go's own rpc.Client, which is chain-RPC-shaped,
// not a general jsonrpc-2.0 client) so this is a small stdlib-based
// client, the same justified shape as snapshot.GraphQLClient.
type AggregatorClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewAggregatorClient returns a client bound to endpoint with the given
// RPC timeout (tap.rav_request_timeout_secs).
func NewAggregatorClient(endpoint string, timeout time.Duration) *AggregatorClient {
	return &AggregatorClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type aggregateReceiptsResult struct {
	Data     *tap.SignedRAV `json:"data"`
	Warnings []string       `json:"warnings,omitempty"`
}

type jsonRPCResponse struct {
	Result *aggregateReceiptsResult `json:"result"`
	Error  *jsonRPCError            `json:"error"`
}

// AggregateReceipts posts the aggregate_receipts JSON-RPC method with
// params ["0.0", validReceipts, previousRAV], per spec.md §4.D step 4.
func (c *AggregatorClient) AggregateReceipts(ctx context.Context, validReceipts []*tap.SignedReceipt, previousRAV *tap.SignedRAV) (*tap.SignedRAV, []string, error) {
	var previous any
	if previousRAV != nil {
		previous = previousRAV
	}

	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "aggregate_receipts",
		Params:  []any{"0.0", validReceipts, previous},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding aggregate_receipts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("building aggregate_receipts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("calling aggregator: %w", err)
	}
	defer resp.Body.Close()

	var parsed jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("decoding aggregator response: %w", err)
	}
	if parsed.Error != nil {
		return nil, nil, fmt.Errorf("aggregator returned error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil || parsed.Result.Data == nil {
		return nil, nil, fmt.Errorf("aggregator response missing result data")
	}

	return parsed.Result.Data, parsed.Result.Warnings, nil
}
