package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

func TestEscrowFeed_RefreshesBalancesAndSigners(t *testing.T) {
	server := newTestIndexerServer(t, `{
		"data": {
			"escrowAccounts": [
				{
					"balance": "1000000",
					"sender": {
						"id": "0x1111111111111111111111111111111111111111",
						"signers": [
							{"signer": {"id": "0x2222222222222222222222222222222222222222"}},
							{"signer": {"id": "0x3333333333333333333333333333333333333333"}}
						]
					}
				}
			]
		}
	}`)
	defer server.Close()

	client := NewGraphQLClient(server.URL)
	feed := NewEscrowFeed()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	indexerAddress := eth.MustNewAddress("0x9999999999999999999999999999999999999999")
	go feed.Run(ctx, client, indexerAddress, time.Hour)

	_, err := feed.Next(context.Background())
	require.NoError(t, err)

	accounts := feed.Current()
	sender := eth.MustNewAddress("0x1111111111111111111111111111111111111111")
	signerA := eth.MustNewAddress("0x2222222222222222222222222222222222222222")
	signerB := eth.MustNewAddress("0x3333333333333333333333333333333333333333")

	require.Equal(t, "1000000", accounts.Balance(sender).String())
	require.ElementsMatch(t, []eth.Address{signerA, signerB}, accounts.Signers(sender))

	resolvedSender, ok := accounts.SenderForSigner(signerA)
	require.True(t, ok)
	require.Equal(t, sender, resolvedSender)

	_, ok = accounts.SenderForSigner(eth.MustNewAddress("0x4444444444444444444444444444444444444444"))
	require.False(t, ok)
}
