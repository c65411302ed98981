package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fairbroker/fairbroker/internal/idgen"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Transfer runs in a single transaction with both balance rows locked in
// account order, so concurrent transfers cannot deadlock or interleave.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	query := `
		SELECT account, available, total_in, total_out, updated_at
		FROM ledger_balances WHERE account = $1`

	var b Balance
	var available, totalIn, totalOut int64
	err := s.db.QueryRowContext(ctx, query, account).Scan(
		&b.Account, &available, &totalIn, &totalOut, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Account: account}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.Available = uint64(available)
	b.TotalIn = uint64(totalIn)
	b.TotalOut = uint64(totalOut)
	return &b, nil
}

func (s *PostgresStore) Credit(ctx context.Context, account string, amount uint64, txHash, reference string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCredit(ctx, tx, account, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, account, "deposit", amount, txHash, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Transfer(ctx context.Context, from, to string, amount uint64, reference string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Lock both rows in account order.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	for _, account := range []string{first, second} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (account, available, total_in, total_out, updated_at)
			VALUES ($1, 0, 0, 0, NOW())
			ON CONFLICT (account) DO NOTHING`, account); err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`SELECT 1 FROM ledger_balances WHERE account = $1 FOR UPDATE`, account); err != nil {
			return fmt.Errorf("failed to lock balance row: %w", err)
		}
	}

	var available int64
	if err := tx.QueryRowContext(ctx,
		`SELECT available FROM ledger_balances WHERE account = $1`, from).Scan(&available); err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if uint64(available) < amount {
		return ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances
		SET available = available - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account = $1`, from, int64(amount)); err != nil {
		return fmt.Errorf("failed to debit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances
		SET available = available + $2, total_in = total_in + $2, updated_at = NOW()
		WHERE account = $1`, to, int64(amount)); err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}

	if err := insertEntry(ctx, tx, from, "transfer_out", amount, "", reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, to, "transfer_in", amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, account, type, amount, tx_hash, reference, created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var amount int64
		var txHash, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &amount, &txHash, &reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Amount = uint64(amount)
		e.TxHash = txHash.String
		e.Reference = reference.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE tx_hash = $1)`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check deposit: %w", err)
	}
	return exists, nil
}

func upsertCredit(ctx context.Context, tx *sql.Tx, account string, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $2, 0, NOW())
		ON CONFLICT (account) DO UPDATE
		SET available = ledger_balances.available + $2,
			total_in = ledger_balances.total_in + $2,
			updated_at = NOW()`, account, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, typ string, amount uint64, txHash, reference string) error {
	var hash interface{}
	if txHash != "" {
		hash = txHash
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, tx_hash, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		idgen.WithPrefix("ent_"), account, typ, int64(amount), hash, reference, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}
