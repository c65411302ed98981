package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Offer ids come from a dedicated sequence so they stay monotonic across
// restarts, and the creator lookup is served by an index on the creator
// column (see migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, creator, arbiter, asset_amount, off_chain_amount,
	counterparty, creator_marked, counterparty_marked, dispute_opened,
	direction, created_at, updated_at`

func (s *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('offer_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to allocate offer id: %w", err)
	}
	return uint64(id), nil
}

func (s *PostgresStore) Create(ctx context.Context, offer *Offer) error {
	query := `
		INSERT INTO offers (id, creator, arbiter, asset_amount, off_chain_amount,
			counterparty, creator_marked, counterparty_marked, dispute_opened,
			direction, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		int64(offer.ID),
		offer.Creator,
		offer.Arbiter,
		int64(offer.AssetAmount),
		int64(offer.OffChainAmount),
		nullString(offer.Counterparty),
		offer.CreatorMarked,
		offer.CounterpartyMarked,
		offer.DisputeOpened,
		string(offer.Direction),
		offer.CreatedAt,
		offer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uint64) (*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	offer, err := scanOffer(s.db.QueryRowContext(ctx, query, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return offer, nil
}

func (s *PostgresStore) Update(ctx context.Context, offer *Offer) error {
	query := `
		UPDATE offers
		SET counterparty = $2, creator_marked = $3, counterparty_marked = $4,
			dispute_opened = $5, updated_at = $6
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		int64(offer.ID),
		nullString(offer.Counterparty),
		offer.CreatorMarked,
		offer.CounterpartyMarked,
		offer.DisputeOpened,
		offer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uint64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM offers WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query, limit int) ([]*Offer, error) {
	var conditions []string
	var args []interface{}

	if q.Creator != "" {
		args = append(args, q.Creator)
		conditions = append(conditions, fmt.Sprintf("creator = $%d", len(args)))
	}
	if q.Direction != "" {
		args = append(args, string(q.Direction))
		conditions = append(conditions, fmt.Sprintf("direction = $%d", len(args)))
	}
	if q.OpenOnly {
		conditions = append(conditions, "counterparty IS NULL")
	}
	if q.DisputedOnly {
		conditions = append(conditions, "dispute_opened = TRUE")
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row scanner) (*Offer, error) {
	var o Offer
	var id, assetAmount, offChainAmount int64
	var counterparty sql.NullString
	var direction string

	err := row.Scan(
		&id,
		&o.Creator,
		&o.Arbiter,
		&assetAmount,
		&offChainAmount,
		&counterparty,
		&o.CreatorMarked,
		&o.CounterpartyMarked,
		&o.DisputeOpened,
		&direction,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ID = uint64(id)
	o.AssetAmount = uint64(assetAmount)
	o.OffChainAmount = uint64(offChainAmount)
	o.Direction = Direction(direction)
	if counterparty.Valid {
		o.Counterparty = &counterparty.String
	}
	return &o, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
