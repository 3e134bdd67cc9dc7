package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/jackc/pgx/v5"
	"github.com/streamingfast/eth-go"
)

// ReceiptNotification is the decoded payload of a
// scalar_tap_receipt_notification event, matching spec.md §6 exactly:
// {id, allocation_id, signer_address, timestamp_ns, value}.
type ReceiptNotification struct {
	ID            int64
	AllocationID  tap.Address
	SignerAddress tap.Address
	TimestampNs   uint64
	Value         *big.Int
}

type receiptNotificationWire struct {
	ID            int64       `json:"id"`
	AllocationID  string      `json:"allocation_id"`
	SignerAddress string      `json:"signer_address"`
	TimestampNs   uint64      `json:"timestamp_ns"`
	Value         json.Number `json:"value"`
}

// Listener holds a dedicated connection LISTENing on
// scalar_tap_receipt_notification; it must not be used for any other
// query, since pgx dedicates the whole connection to the LISTEN session.
type Listener struct {
	conn *pgx.Conn
}

// Listen acquires a dedicated connection and issues LISTEN
// scalar_tap_receipt_notification on it.
func (s *Store) Listen(ctx context.Context) (*Listener, error) {
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("opening dedicated listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN scalar_tap_receipt_notification"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("issuing listen: %w", err)
	}
	return &Listener{conn: conn}, nil
}

// Close releases the dedicated listen connection.
func (l *Listener) Close(ctx context.Context) {
	l.conn.Close(ctx)
}

// Next blocks until a new receipt notification arrives or ctx is done.
func (l *Listener) Next(ctx context.Context) (*ReceiptNotification, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for notification: %w", err)
	}

	decoder := json.NewDecoder(strings.NewReader(n.Payload))
	decoder.UseNumber()
	var wire receiptNotificationWire
	if err := decoder.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding notification payload: %w", err)
	}

	allocationID, err := eth.NewAddress("0x" + wire.AllocationID)
	if err != nil {
		return nil, fmt.Errorf("decoding notification allocation_id: %w", err)
	}
	signerAddress, err := eth.NewAddress("0x" + wire.SignerAddress)
	if err != nil {
		return nil, fmt.Errorf("decoding notification signer_address: %w", err)
	}

	value, ok := new(big.Int).SetString(wire.Value.String(), 10)
	if !ok {
		return nil, fmt.Errorf("decoding notification value %q", wire.Value.String())
	}

	return &ReceiptNotification{
		ID:            wire.ID,
		AllocationID:  allocationID,
		SignerAddress: signerAddress,
		TimestampNs:   wire.TimestampNs,
		Value:         value,
	}, nil
}
