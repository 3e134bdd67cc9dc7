package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

func newTestIndexerServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestAllocationsFeed_PopulatesAllFields(t *testing.T) {
	server := newTestIndexerServer(t, `{
		"data": {
			"indexer": {
				"activeAllocations": [
					{
						"id": "0x1111111111111111111111111111111111111111",
						"indexer": {"id": "0x2222222222222222222222222222222222222222"},
						"subgraphDeployment": {"id": "QmDeployment1"},
						"status": "Active",
						"allocatedTokens": "5000000000000000000000",
						"createdAtEpoch": 100,
						"createdAtBlockHash": "0xabc",
						"closedAtEpoch": null,
						"closedAtEpochStartBlockHash": null,
						"previousEpochStartBlockHash": "0xdef",
						"poi": null,
						"queryFeesCollected": "1000",
						"queryFeeRebates": "900"
					}
				],
				"recentlyClosedAllocations": []
			}
		}
	}`)
	defer server.Close()

	client := NewGraphQLClient(server.URL)
	feed := NewAllocationsFeed()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	indexerAddress := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	go feed.Run(ctx, client, indexerAddress, time.Hour, time.Hour)

	_, err := feed.Next(context.Background())
	require.NoError(t, err)

	allocations := feed.Current()
	require.Len(t, allocations, 1)

	allocationID := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	allocation, ok := allocations[allocationID]
	require.True(t, ok)
	require.Equal(t, AllocationStatusActive, allocation.Status)
	require.Equal(t, "QmDeployment1", allocation.SubgraphDeploymentID)
	require.Equal(t, uint64(100), allocation.CreatedAtEpoch)
	require.Equal(t, "0xabc", allocation.CreatedAtBlockHash)
	require.Equal(t, "0xdef", allocation.PreviousEpochStartBlockHash)
	require.Nil(t, allocation.ClosedAtEpoch)
	require.Equal(t, "5000000000000000000000", allocation.AllocatedTokens.String())
	require.Equal(t, "1000", allocation.QueryFeesCollected.String())
	require.Equal(t, "900", allocation.QueryFeeRebates.String())
	require.True(t, allocation.EligibleForReceipts(time.Now(), time.Hour))
}

func TestAllocationsFeed_IndexerNotFound(t *testing.T) {
	server := newTestIndexerServer(t, `{"data": {"indexer": null}}`)
	defer server.Close()

	client := NewGraphQLClient(server.URL)
	var resp allocationsQueryResponse
	err := client.Query(context.Background(), allocationsQuery, map[string]any{
		"indexer":           "0x2222222222222222222222222222222222222222",
		"closedAtThreshold": 0,
	}, &resp)
	require.NoError(t, err)
	require.Nil(t, resp.Indexer)
}

func TestAllocationFragment_ClosedAllocationEligibility(t *testing.T) {
	closedEpoch := uint64(50)
	frag := allocationFragment{
		ID:                  "0x1111111111111111111111111111111111111111",
		Indexer:             struct{ ID string `json:"id"` }{ID: "0x2222222222222222222222222222222222222222"},
		SubgraphDeployment:  struct{ ID string `json:"id"` }{ID: "QmX"},
		Status:              "Closed",
		AllocatedTokens:     "0",
		CreatedAtEpoch:      10,
		CreatedAtBlockHash:  "0xaa",
		ClosedAtEpoch:       &closedEpoch,
		PreviousEpochStartBlockHash: "0xbb",
	}

	now := time.Now()
	allocation := frag.toAllocation(now)
	require.Equal(t, AllocationStatusClosed, allocation.Status)
	require.NotNil(t, allocation.ClosedAtEpoch)
	require.Equal(t, closedEpoch, *allocation.ClosedAtEpoch)
	require.True(t, allocation.EligibleForReceipts(now, time.Hour))
	require.False(t, allocation.EligibleForReceipts(now.Add(2*time.Hour), time.Hour))
}
