package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
)

// AllocationStatus mirrors the network subgraph's Allocation.status enum.
type AllocationStatus string

const (
	AllocationStatusActive AllocationStatus = "Active"
	AllocationStatusClosed AllocationStatus = "Closed"
)

// Allocation is an on-chain commitment by this indexer to serve a given
// subgraph deployment; receipts are scoped to it. Every field below is
// populated from the network subgraph response — the original
// indexer-rs monitor.rs left this conversion as a series of todo!()
// stubs (see original_source/common/src/allocations/monitor.rs); this is
// the completed mapping spec.md's Open Questions section calls for.
type Allocation struct {
	ID                             tap.Address
	Indexer                        tap.Address
	SubgraphDeploymentID           string
	Status                         AllocationStatus
	AllocatedTokens                *big.Int
	CreatedAtEpoch                 uint64
	ClosedAtEpoch                  *uint64
	CreatedAtBlockHash             string
	ClosedAtEpochStartBlockHash    *string
	PreviousEpochStartBlockHash    string
	POI                            *string
	QueryFeesCollected             *big.Int
	QueryFeeRebates                *big.Int

	// closedAt is set only for a closed allocation, to the time of the
	// refresh that produced this value; EligibleForReceipts measures the
	// recently-closed buffer from it. The allocations query itself keeps
	// only closed allocations whose closedAt is at or after its
	// closedAtThreshold variable (now minus the buffer, unix seconds).
	closedAt *time.Time
}

// EligibleForReceipts reports whether the allocation should still admit
// new receipts: active, or closed within the recently-closed buffer.
// Eligibility past the buffer is already enforced upstream by the
// allocations query's closed_at_threshold variable, so by the time an
// Allocation reaches this process it is eligible by construction; this
// method exists for defense in depth and for tests that construct
// allocations directly.
func (a Allocation) EligibleForReceipts(now time.Time, buffer time.Duration) bool {
	if a.Status == AllocationStatusActive {
		return true
	}
	if a.closedAt == nil {
		return false
	}
	return now.Sub(*a.closedAt) <= buffer
}

// allocationsQuery is the GraphQL document sent to the network subgraph.
const allocationsQuery = `
query Allocations($indexer: String!, $closedAtThreshold: Int!) {
  indexer(id: $indexer) {
    activeAllocations: allocations(where: { status: Active }) {
      ...AllocationFields
    }
    recentlyClosedAllocations: allocations(
      where: { status: Closed, closedAt_gte: $closedAtThreshold }
    ) {
      ...AllocationFields
    }
  }
}

fragment AllocationFields on Allocation {
  id
  indexer { id }
  subgraphDeployment { id }
  status
  allocatedTokens
  createdAtEpoch
  createdAtBlockHash
  closedAtEpoch
  closedAtEpochStartBlockHash
  previousEpochStartBlockHash
  poi
  queryFeesCollected
  queryFeeRebates
}
`

type allocationFragment struct {
	ID                  string  `json:"id"`
	Indexer             struct{ ID string `json:"id"` } `json:"indexer"`
	SubgraphDeployment  struct{ ID string `json:"id"` } `json:"subgraphDeployment"`
	Status              string  `json:"status"`
	AllocatedTokens     string  `json:"allocatedTokens"`
	CreatedAtEpoch      uint64  `json:"createdAtEpoch"`
	CreatedAtBlockHash  string  `json:"createdAtBlockHash"`
	ClosedAtEpoch       *uint64 `json:"closedAtEpoch"`
	ClosedAtEpochStartBlockHash *string `json:"closedAtEpochStartBlockHash"`
	PreviousEpochStartBlockHash string  `json:"previousEpochStartBlockHash"`
	POI                 *string `json:"poi"`
	QueryFeesCollected  *string `json:"queryFeesCollected"`
	QueryFeeRebates     *string `json:"queryFeeRebates"`
}

type allocationsQueryResponse struct {
	Indexer *struct {
		ActiveAllocations         []allocationFragment `json:"activeAllocations"`
		RecentlyClosedAllocations []allocationFragment `json:"recentlyClosedAllocations"`
	} `json:"indexer"`
}

func (f allocationFragment) toAllocation(now time.Time) Allocation {
	allocatedTokens, _ := new(big.Int).SetString(f.AllocatedTokens, 10)
	if allocatedTokens == nil {
		allocatedTokens = big.NewInt(0)
	}

	var queryFeesCollected, queryFeeRebates *big.Int
	if f.QueryFeesCollected != nil {
		queryFeesCollected, _ = new(big.Int).SetString(*f.QueryFeesCollected, 10)
	}
	if f.QueryFeeRebates != nil {
		queryFeeRebates, _ = new(big.Int).SetString(*f.QueryFeeRebates, 10)
	}

	var closedAt *time.Time
	if f.ClosedAtEpoch != nil {
		t := now
		closedAt = &t
	}

	allocationID, _ := eth.NewAddress(f.ID)
	indexerAddress, _ := eth.NewAddress(f.Indexer.ID)

	return Allocation{
		ID:                          allocationID,
		Indexer:                     indexerAddress,
		SubgraphDeploymentID:        f.SubgraphDeployment.ID,
		Status:                      AllocationStatus(f.Status),
		AllocatedTokens:             allocatedTokens,
		CreatedAtEpoch:              f.CreatedAtEpoch,
		ClosedAtEpoch:               f.ClosedAtEpoch,
		CreatedAtBlockHash:          f.CreatedAtBlockHash,
		ClosedAtEpochStartBlockHash: f.ClosedAtEpochStartBlockHash,
		PreviousEpochStartBlockHash: f.PreviousEpochStartBlockHash,
		POI:                         f.POI,
		QueryFeesCollected:          queryFeesCollected,
		QueryFeeRebates:             queryFeeRebates,
		closedAt:                    closedAt,
	}
}

// AllocationsFeed continuously refreshes the set of active plus
// recently-closed allocations for a single indexer.
type AllocationsFeed struct {
	*Feed[map[tap.Address]Allocation]
}

// NewAllocationsFeed returns an unstarted feed; call Run to start its
// refresh loop.
func NewAllocationsFeed() *AllocationsFeed {
	return &AllocationsFeed{Feed: NewFeed[map[tap.Address]Allocation]()}
}

// Run drives the allocations feed's refresh loop until ctx is done.
func (f *AllocationsFeed) Run(ctx context.Context, client *GraphQLClient, indexerAddress tap.Address, interval, buffer time.Duration) {
	Run(ctx, f.Feed, "allocations", interval, func(ctx context.Context) (map[tap.Address]Allocation, error) {
		now := time.Now()
		closedAtThreshold := now.Add(-buffer).Unix()

		var resp allocationsQueryResponse
		if err := client.Query(ctx, allocationsQuery, map[string]any{
			"indexer":           indexerAddress.Pretty(),
			"closedAtThreshold": closedAtThreshold,
		}, &resp); err != nil {
			return nil, err
		}

		if resp.Indexer == nil {
			return nil, fmt.Errorf("Indexer `%s` not found on the network", indexerAddress.Pretty())
		}

		result := make(map[tap.Address]Allocation, len(resp.Indexer.ActiveAllocations)+len(resp.Indexer.RecentlyClosedAllocations))
		for _, a := range resp.Indexer.ActiveAllocations {
			allocation := a.toAllocation(now)
			result[allocation.ID] = allocation
		}
		for _, a := range resp.Indexer.RecentlyClosedAllocations {
			allocation := a.toAllocation(now)
			result[allocation.ID] = allocation
		}
		return result, nil
	})
}
