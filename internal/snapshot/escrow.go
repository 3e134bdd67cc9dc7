package snapshot

import (
	"context"
	"math/big"
	"time"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
)

// EscrowAccounts is the latest known mapping of sender escrow balances and
// the signer addresses each sender has authorized, as reported by the
// escrow subgraph. It answers the two questions the admitter and the
// sender-account actor need on every receipt: is this signer authorized
// for some sender, and does that sender have a usable escrow balance.
type EscrowAccounts struct {
	balances map[tap.Address]*big.Int
	signers  map[tap.Address][]tap.Address

	// signerToSender inverts signers for O(1) lookup of which sender
	// authorized a given signer, the lookup the admitter performs on
	// every incoming receipt.
	signerToSender map[tap.Address]tap.Address
}

// NewEscrowAccounts builds an EscrowAccounts snapshot from the balances and
// signer-authorization maps reported by the subgraph.
func NewEscrowAccounts(balances map[tap.Address]*big.Int, signers map[tap.Address][]tap.Address) EscrowAccounts {
	signerToSender := make(map[tap.Address]tap.Address, len(signers))
	for sender, signerList := range signers {
		for _, signer := range signerList {
			signerToSender[signer] = sender
		}
	}
	return EscrowAccounts{
		balances:       balances,
		signers:        signers,
		signerToSender: signerToSender,
	}
}

// SenderForSigner returns the sender address that authorized signer, if any.
func (e EscrowAccounts) SenderForSigner(signer tap.Address) (tap.Address, bool) {
	sender, ok := e.signerToSender[signer]
	return sender, ok
}

// Balance returns sender's current escrow balance, or nil if unknown.
func (e EscrowAccounts) Balance(sender tap.Address) *big.Int {
	return e.balances[sender]
}

// Signers returns the list of signer addresses sender has authorized.
func (e EscrowAccounts) Signers(sender tap.Address) []tap.Address {
	return e.signers[sender]
}

// Senders returns every sender address with a known escrow balance,
// eligible or not; callers filter on Balance themselves.
func (e EscrowAccounts) Senders() []tap.Address {
	out := make([]tap.Address, 0, len(e.balances))
	for sender := range e.balances {
		out = append(out, sender)
	}
	return out
}

const escrowAccountsQuery = `
query EscrowAccounts($indexer: String!) {
  escrowAccounts(where: { receiver: $indexer }) {
    balance
    sender {
      id
      signers {
        signer { id }
      }
    }
  }
}
`

type escrowAccountFragment struct {
	Balance string `json:"balance"`
	Sender  struct {
		ID      string `json:"id"`
		Signers []struct {
			Signer struct {
				ID string `json:"id"`
			} `json:"signer"`
		} `json:"signers"`
	} `json:"sender"`
}

type escrowAccountsQueryResponse struct {
	EscrowAccounts []escrowAccountFragment `json:"escrowAccounts"`
}

// EscrowFeed continuously refreshes the indexer's escrow account snapshot.
type EscrowFeed struct {
	*Feed[EscrowAccounts]
}

// NewEscrowFeed returns an unstarted feed; call Run to start its refresh
// loop.
func NewEscrowFeed() *EscrowFeed {
	return &EscrowFeed{Feed: NewFeed[EscrowAccounts]()}
}

// Run drives the escrow accounts feed's refresh loop until ctx is done.
func (f *EscrowFeed) Run(ctx context.Context, client *GraphQLClient, indexerAddress tap.Address, interval time.Duration) {
	Run(ctx, f.Feed, "escrow_accounts", interval, func(ctx context.Context) (EscrowAccounts, error) {
		var resp escrowAccountsQueryResponse
		if err := client.Query(ctx, escrowAccountsQuery, map[string]any{
			"indexer": indexerAddress.Pretty(),
		}, &resp); err != nil {
			return EscrowAccounts{}, err
		}

		balances := make(map[tap.Address]*big.Int, len(resp.EscrowAccounts))
		signers := make(map[tap.Address][]tap.Address, len(resp.EscrowAccounts))

		for _, acc := range resp.EscrowAccounts {
			sender, err := eth.NewAddress(acc.Sender.ID)
			if err != nil {
				continue
			}

			balance, ok := new(big.Int).SetString(acc.Balance, 10)
			if !ok {
				balance = big.NewInt(0)
			}
			balances[sender] = balance

			signerAddrs := make([]tap.Address, 0, len(acc.Sender.Signers))
			for _, s := range acc.Sender.Signers {
				signerAddr, err := eth.NewAddress(s.Signer.ID)
				if err != nil {
					continue
				}
				signerAddrs = append(signerAddrs, signerAddr)
			}
			signers[sender] = signerAddrs
		}

		return NewEscrowAccounts(balances, signers), nil
	})
}
