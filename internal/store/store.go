// Package store implements the Postgres-backed receipt, invalid-receipt
// and RAV ledger, plus the LISTEN/NOTIFY-based stream of newly inserted
// receipts that the sender-allocation actors subscribe to.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("store", "github.com/graphprotocol/tap-agent/internal/store")

var (
	// ErrDuplicateReceipt is returned by InsertReceipt when a receipt with
	// the same signature already exists (receipts.signature is unique).
	ErrDuplicateReceipt = errors.New("duplicate receipt signature")
	// ErrSumValuesCorrupt signals the (max_id, sum) invariant from
	// sum_values was violated — exactly one of the two came back NULL.
	ErrSumValuesCorrupt = errors.New("sum_values returned inconsistent null pair")
	// ErrRAVRowCountMismatch is returned when a RAV finalization update
	// affected a row count other than exactly one.
	ErrRAVRowCountMismatch = errors.New("rav finalization affected an unexpected number of rows")
)

// Store wraps a pgx connection pool and exposes the receipt/RAV ledger
// operations described in spec.md §4.B.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to postgresURL and returns a ready Store. Migrations are
// externally managed (spec.md §6); Open does not run them.
func Open(ctx context.Context, postgresURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, postgresURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func hexOf(addr tap.Address) string {
	return strings.ToLower(strings.TrimPrefix(addr.Pretty(), "0x"))
}

// InsertReceipt durably records an admitted receipt and returns its
// strictly-increasing row id. The uniqueness check is on the low-S
// normalized signature (tap.SignedMessage.UniqueID), not the raw
// signature bytes, so a malleated (flipped-S) duplicate of an
// already-seen receipt is still caught. A duplicate returns
// ErrDuplicateReceipt, which callers must treat as a soft StorageError
// (spec.md §4.C).
func (s *Store) InsertReceipt(ctx context.Context, signer tap.Address, signed *tap.SignedReceipt) (int64, error) {
	uniqueID := signed.UniqueID()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO receipts (allocation_id, signer_address, signature, timestamp_ns, nonce, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		hexOf(signed.Message.AllocationID),
		hexOf(signer),
		uniqueID[:],
		signed.Message.TimestampNs,
		signed.Message.Nonce,
		signed.Message.Value.String(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateReceipt
		}
		return 0, fmt.Errorf("inserting receipt: %w", err)
	}
	return id, nil
}

// InsertInvalidReceipt records a receipt that failed RAV-time validation
// (not admission — admission-invalid receipts are simply rejected and
// never persisted, per spec.md §4.C).
func (s *Store) InsertInvalidReceipt(ctx context.Context, signer tap.Address, signed *tap.SignedReceipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts_invalid (allocation_id, signer_address, signature, timestamp_ns, nonce, value)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		hexOf(signed.Message.AllocationID),
		hexOf(signer),
		signed.Signature[:],
		signed.Message.TimestampNs,
		signed.Message.Nonce,
		signed.Message.Value.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting invalid receipt: %w", err)
	}
	return nil
}

// UpsertRAV replaces the stored RAV row for (allocation, sender). The pair
// has a single row, inserted or overwritten in place, and it is always
// marked last=true; there is no earlier row to clear. final marks that no further
// RAVs will be produced for the pair (set only on CloseAllocation).
func (s *Store) UpsertRAV(ctx context.Context, allocation, sender tap.Address, signed *tap.SignedRAV, final bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ravs (allocation_id, sender_address, timestamp_ns, value_aggregate, signature, last, final)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (allocation_id, sender_address) DO UPDATE SET
			timestamp_ns    = EXCLUDED.timestamp_ns,
			value_aggregate = EXCLUDED.value_aggregate,
			signature       = EXCLUDED.signature,
			last            = TRUE,
			final           = EXCLUDED.final`,
		hexOf(allocation),
		hexOf(sender),
		signed.Message.TimestampNs,
		signed.Message.ValueAggregate.String(),
		signed.Signature[:],
		final,
	)
	if err != nil {
		return fmt.Errorf("upserting rav: %w", err)
	}
	return nil
}

// MarkRAVFinal sets final=true on the pair's existing RAV row without
// changing its value. Exactly one row must be affected; any other count
// is the Fatal invariant violation spec.md §4.D's CloseAllocation step
// requires the actor to abort on.
func (s *Store) MarkRAVFinal(ctx context.Context, allocation, sender tap.Address) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ravs SET final = TRUE
		WHERE allocation_id = $1 AND sender_address = $2`,
		hexOf(allocation), hexOf(sender),
	)
	if err != nil {
		return fmt.Errorf("marking rav final: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: affected %d rows", ErrRAVRowCountMismatch, tag.RowsAffected())
	}
	return nil
}

// InsertFailedRAV records a RAV response that failed verification
// (InvalidReceivedRAV, SignatureError, InvalidRecoveredSigner), per
// spec.md §4.D step 7.
func (s *Store) InsertFailedRAV(ctx context.Context, allocation, sender tap.Address, expectedRAV *tap.RAV, ravResponse json.RawMessage, reason string) error {
	expected, err := json.Marshal(expectedRAV)
	if err != nil {
		return fmt.Errorf("encoding expected rav: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rav_requests_failed (allocation_id, sender_address, expected_rav, rav_response, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		hexOf(allocation), hexOf(sender), expected, ravResponse, reason,
	)
	if err != nil {
		return fmt.Errorf("inserting failed rav: %w", err)
	}
	return nil
}

// CurrentRAVTimestamp returns the pair's current RAV timestamp_ns, or nil
// if no RAV exists yet for the pair.
func (s *Store) CurrentRAVTimestamp(ctx context.Context, allocation, sender tap.Address) (*uint64, error) {
	var ts *uint64
	err := s.pool.QueryRow(ctx, `
		SELECT timestamp_ns FROM ravs WHERE allocation_id = $1 AND sender_address = $2`,
		hexOf(allocation), hexOf(sender),
	).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading current rav timestamp: %w", err)
	}
	return ts, nil
}

// CurrentRAV returns the pair's full current signed RAV, or nil if none
// exists yet. Unlike CurrentRAVTimestamp, this reconstructs the signed
// wire RAV so it can be threaded into the next rav.BuildRequest call as
// PreviousRAV.
func (s *Store) CurrentRAV(ctx context.Context, allocation, sender tap.Address) (*tap.SignedRAV, error) {
	var timestampText, valueText string
	var signatureRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT timestamp_ns::text, value_aggregate::text, signature
		FROM ravs WHERE allocation_id = $1 AND sender_address = $2`,
		hexOf(allocation), hexOf(sender),
	).Scan(&timestampText, &valueText, &signatureRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading current rav: %w", err)
	}

	timestampNs, err := parseUint64Decimal(timestampText)
	if err != nil {
		return nil, fmt.Errorf("parsing rav timestamp_ns: %w", err)
	}
	value, ok := new(big.Int).SetString(valueText, 10)
	if !ok {
		return nil, fmt.Errorf("parsing rav value_aggregate %q", valueText)
	}
	var signature eth.Signature
	copy(signature[:], signatureRaw)

	return &tap.SignedRAV{
		Message:   &tap.RAV{AllocationID: allocation, TimestampNs: timestampNs, ValueAggregate: value},
		Signature: signature,
	}, nil
}

// SumValues implements spec.md §4.B's sum_values: the max receipt id and
// the sum of receipt values for the pair, restricted to signer_set and
// (if since is non-nil) to timestamp_ns > *since — matching the strict
// boundary design note 9 calls out explicitly. Returns (nil, nil) if no
// rows match; the implementer must never return exactly one nil, which
// ErrSumValuesCorrupt guards against here on the Go side of the scan.
func (s *Store) SumValues(ctx context.Context, allocation tap.Address, signers []tap.Address, since *uint64) (*int64, *big.Int, error) {
	signerHexes := make([]string, len(signers))
	for i, signer := range signers {
		signerHexes[i] = hexOf(signer)
	}

	var maxID *int64
	var sumText *string
	var err error
	if since == nil {
		err = s.pool.QueryRow(ctx, `
			SELECT MAX(id), SUM(value)::text FROM receipts
			WHERE allocation_id = $1 AND signer_address = ANY($2)`,
			hexOf(allocation), signerHexes,
		).Scan(&maxID, &sumText)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT MAX(id), SUM(value)::text FROM receipts
			WHERE allocation_id = $1 AND signer_address = ANY($2) AND timestamp_ns > $3`,
			hexOf(allocation), signerHexes, *since,
		).Scan(&maxID, &sumText)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("summing receipt values: %w", err)
	}

	if (maxID == nil) != (sumText == nil) {
		return nil, nil, ErrSumValuesCorrupt
	}
	if maxID == nil {
		return nil, nil, nil
	}

	sum, ok := new(big.Int).SetString(*sumText, 10)
	if !ok {
		return nil, nil, fmt.Errorf("parsing summed value %q", *sumText)
	}
	return maxID, sum, nil
}

// DeleteObsolete removes receipts for the pair whose timestamp_ns is at
// or before the pair's current RAV timestamp — they are now redundant,
// their value already folded into the RAV.
func (s *Store) DeleteObsolete(ctx context.Context, allocation, sender tap.Address) error {
	ts, err := s.CurrentRAVTimestamp(ctx, allocation, sender)
	if err != nil {
		return err
	}
	if ts == nil {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM receipts
		WHERE allocation_id = $1 AND timestamp_ns <= $2`,
		hexOf(allocation), *ts,
	)
	if err != nil {
		return fmt.Errorf("deleting obsolete receipts: %w", err)
	}
	if tag.RowsAffected() > 0 {
		zlog.Debug("deleted obsolete receipts",
			zap.Stringer("allocation", eth.Address(allocation)),
			zap.Int64("rows", tag.RowsAffected()),
		)
	}
	return nil
}

// StoredReceipt is a receipt row read back from the database, enough to
// reconstruct the signed wire receipt for a RAV request.
type StoredReceipt struct {
	ID            int64
	SignerAddress tap.Address
	Signature     eth.Signature
	TimestampNs   uint64
	Nonce         uint64
	Value         *big.Int
}

// ListReceipts returns every stored receipt for allocation, in ascending
// id order. Unlike SumValues, this is not filtered by signer: the
// RAV-request builder needs every candidate, including ones signed by a
// signer the sender has since de-authorized, so it can classify them as
// invalid rather than silently dropping them.
func (s *Store) ListReceipts(ctx context.Context, allocation tap.Address) ([]StoredReceipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, signer_address, signature, timestamp_ns::text, nonce::text, value::text
		FROM receipts
		WHERE allocation_id = $1
		ORDER BY id ASC`,
		hexOf(allocation),
	)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	var out []StoredReceipt
	for rows.Next() {
		var (
			id            int64
			signerHex     string
			signatureRaw  []byte
			timestampText string
			nonceText     string
			valueText     string
		)
		if err := rows.Scan(&id, &signerHex, &signatureRaw, &timestampText, &nonceText, &valueText); err != nil {
			return nil, fmt.Errorf("scanning receipt row: %w", err)
		}

		signer, err := eth.NewAddress("0x" + signerHex)
		if err != nil {
			return nil, fmt.Errorf("decoding signer address: %w", err)
		}
		var signature eth.Signature
		copy(signature[:], signatureRaw)

		timestampNs, err := parseUint64Decimal(timestampText)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp_ns: %w", err)
		}
		nonce, err := parseUint64Decimal(nonceText)
		if err != nil {
			return nil, fmt.Errorf("parsing nonce: %w", err)
		}
		value, ok := new(big.Int).SetString(valueText, 10)
		if !ok {
			return nil, fmt.Errorf("parsing value %q", valueText)
		}

		out = append(out, StoredReceipt{
			ID:            id,
			SignerAddress: signer,
			Signature:     signature,
			TimestampNs:   timestampNs,
			Nonce:         nonce,
			Value:         value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipt rows: %w", err)
	}
	return out, nil
}

func parseUint64Decimal(s string) (uint64, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal %q", s)
	}
	return n.Uint64(), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "receipts_signature_unique") ||
		strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
