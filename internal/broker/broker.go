// Package broker implements the offer lifecycle for peer-to-peer escrowed
// trades.
//
// Flow:
//  1. Creator posts an offer → the on-chain side is escrowed into custody
//     (at creation for sell offers, at acceptance for buy offers)
//  2. A counterparty accepts → offer is matched
//  3. Both parties mark completion → custody releases to the party that
//     did not supply the escrowed asset
//  4. Either participant disputes → offer freezes until the arbiter resolves
//
// The off-chain side of a trade is informational only; custody never
// enforces it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairbroker/fairbroker/internal/metrics"
	"github.com/fairbroker/fairbroker/internal/traces"
)

var (
	ErrNotInitialized        = errors.New("broker not initialized")
	ErrNotAuthorized         = errors.New("not authorized for this offer operation")
	ErrInsufficientFunds     = errors.New("insufficient funds to escrow")
	ErrOfferNotFound         = errors.New("offer not found")
	ErrAlreadyMatched        = errors.New("offer already has a counterparty")
	ErrNotMatched            = errors.New("offer has no counterparty")
	ErrNotAParticipant       = errors.New("caller is not a participant in this offer")
	ErrAlreadyMarkedComplete = errors.New("caller already marked completion")
	ErrDisputeAlreadyOpen    = errors.New("dispute already open for this offer")
	ErrDisputeNotOpen        = errors.New("no dispute open for this offer")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Direction says which side of the trade pledges the on-chain asset.
type Direction string

const (
	// DirectionSell: the creator sells the on-chain asset; it is escrowed
	// from the creator at offer creation.
	DirectionSell Direction = "creator_sells"
	// DirectionBuy: the creator buys the on-chain asset; it is escrowed
	// from the counterparty at acceptance.
	DirectionBuy Direction = "creator_buys"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSell || d == DirectionBuy
}

// Offer is one trade proposal, optionally matched to a counterparty.
type Offer struct {
	ID                 uint64    `json:"id"`
	Creator            string    `json:"creator"`
	Arbiter            string    `json:"arbiter"`
	AssetAmount        uint64    `json:"assetAmount"`
	OffChainAmount     uint64    `json:"offChainAmount"`
	Counterparty       *string   `json:"counterparty,omitempty"` // nil = open
	CreatorMarked      bool      `json:"creatorMarked"`
	CounterpartyMarked bool      `json:"counterpartyMarked"`
	DisputeOpened      bool      `json:"disputeOpened"`
	Direction          Direction `json:"direction"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Matched reports whether a counterparty has accepted the offer.
func (o *Offer) Matched() bool {
	return o.Counterparty != nil
}

// isParticipant reports whether addr is the creator or the counterparty.
func (o *Offer) isParticipant(addr string) bool {
	if addr == o.Creator {
		return true
	}
	return o.Counterparty != nil && addr == *o.Counterparty
}

// escrowed reports whether the offer currently has funds in custody.
// Sell offers escrow at creation; buy offers escrow at acceptance.
func (o *Offer) escrowed() bool {
	if o.Direction == DirectionSell {
		return true
	}
	return o.Counterparty != nil
}

// reference returns the custody transfer reference for this offer.
func (o *Offer) reference() string {
	return fmt.Sprintf("offer_%d", o.ID)
}

// Query filters offer listings. Zero value matches everything.
type Query struct {
	Creator      string    // only offers created by this identity
	Direction    Direction // only offers with this direction
	OpenOnly     bool      // only unmatched offers
	DisputedOnly bool      // only offers with an open dispute
}

// Store persists offers and the creator index, and allocates offer ids.
//
// Implementations must keep the creator index exactly mirroring the offer
// set: Create and Delete update both in the same step. NextID is
// monotonically increasing and never reuses an id.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id uint64) (*Offer, error)
	Update(ctx context.Context, offer *Offer) error
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, q Query, limit int) ([]*Offer, error)
}

// CustodyService moves the on-chain asset between identities and the pooled
// custodial account. A MoveAsset call either fully takes effect or fully
// fails; the broker never observes a partial transfer.
type CustodyService interface {
	MoveAsset(ctx context.Context, from, to string, amount uint64, reference string) error
}

// EventType identifies a broker notification.
type EventType string

const (
	EventOfferCreated     EventType = "offer.created"
	EventOfferAccepted    EventType = "offer.accepted"
	EventCompletionMarked EventType = "offer.completion_marked"
	EventFundsReleased    EventType = "offer.funds_released"
	EventOfferCancelled   EventType = "offer.cancelled"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeResolved  EventType = "dispute.resolved"
)

// EventEmitter receives one notification per state transition. Emission is
// an observable side effect, not part of the transaction; emitters must not
// fail the operation.
type EventEmitter interface {
	OfferEvent(ctx context.Context, typ EventType, offer *Offer, actor string)
}

// Service implements the offer registry and dispute resolver against a
// single broker state.
//
// All mutating operations are serialized: each one reads current state,
// validates, moves funds, and writes, as a single atomic step. Conflicting
// calls on the same offer are ordered by the mutex and the later one fails
// its preconditions instead of queueing.
type Service struct {
	store       Store
	custody     CustodyService
	custodyAddr string
	admin       string
	events      EventEmitter
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewService constructs the broker state. This is the one-time
// initialization operation: the custody handle and admin identity are fixed
// here and every subsequent operation runs against this aggregate.
func NewService(store Store, custody CustodyService, custodyAddr, admin string) *Service {
	return &Service{
		store:       store,
		custody:     custody,
		custodyAddr: strings.ToLower(custodyAddr),
		admin:       strings.ToLower(admin),
		logger:      slog.Default(),
	}
}

// WithEvents adds a notification emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithLogger replaces the default logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Admin returns the admin identity fixed at initialization.
func (s *Service) Admin() string {
	return s.admin
}

// CustodyAccount returns the pooled custodial account address.
func (s *Service) CustodyAccount() string {
	return s.custodyAddr
}

func (s *Service) initialized() bool {
	return s != nil && s.store != nil && s.custody != nil
}

func (s *Service) emit(ctx context.Context, typ EventType, offer *Offer, actor string) {
	if s.events != nil {
		s.events.OfferEvent(ctx, typ, offer, actor)
	}
}

// Create posts a new offer and, for sell offers, escrows the asset amount
// from the creator. The escrow transfer and the offer insert are one atomic
// step: if either fails, neither takes effect.
func (s *Service) Create(ctx context.Context, creator, arbiter string, assetAmount, offChainAmount uint64, direction Direction) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}
	if assetAmount == 0 {
		return nil, ErrInvalidAmount
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("unknown direction %q", direction)
	}

	ctx, span := traces.StartSpan(ctx, "broker.Create",
		traces.Identity(creator),
		traces.AssetAmount(assetAmount),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate offer id: %w", err)
	}

	now := time.Now()
	offer := &Offer{
		ID:             id,
		Creator:        strings.ToLower(creator),
		Arbiter:        strings.ToLower(arbiter),
		AssetAmount:    assetAmount,
		OffChainAmount: offChainAmount,
		Direction:      direction,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if direction == DirectionSell {
		if err := s.custody.MoveAsset(ctx, offer.Creator, s.custodyAddr, assetAmount, offer.reference()); err != nil {
			return nil, fmt.Errorf("failed to escrow offer funds: %w", err)
		}
	}

	if err := s.store.Create(ctx, offer); err != nil {
		if direction == DirectionSell {
			// Undo the escrow so the failed create leaves no trace.
			_ = s.custody.MoveAsset(ctx, s.custodyAddr, offer.Creator, assetAmount, offer.reference())
		}
		return nil, fmt.Errorf("failed to create offer record: %w", err)
	}

	metrics.OfferOperationsTotal.WithLabelValues("create").Inc()
	s.emit(ctx, EventOfferCreated, offer, offer.Creator)
	return offer, nil
}

// Accept matches an open offer. For buy offers the accepting user escrows
// the asset amount atomically with the match.
func (s *Service) Accept(ctx context.Context, user string, id uint64) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}

	ctx, span := traces.StartSpan(ctx, "broker.Accept",
		traces.OfferID(id),
		traces.Identity(user),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if offer.Matched() {
		return nil, ErrAlreadyMatched
	}
	if offer.DisputeOpened {
		return nil, ErrDisputeAlreadyOpen
	}

	user = strings.ToLower(user)
	if offer.Direction == DirectionBuy {
		if err := s.custody.MoveAsset(ctx, user, s.custodyAddr, offer.AssetAmount, offer.reference()); err != nil {
			return nil, fmt.Errorf("failed to escrow offer funds: %w", err)
		}
	}

	offer.Counterparty = &user
	offer.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, offer); err != nil {
		if offer.Direction == DirectionBuy {
			_ = s.custody.MoveAsset(ctx, s.custodyAddr, user, offer.AssetAmount, offer.reference())
		}
		return nil, fmt.Errorf("failed to update offer record: %w", err)
	}

	metrics.OfferOperationsTotal.WithLabelValues("accept").Inc()
	s.emit(ctx, EventOfferAccepted, offer, user)
	return offer, nil
}

// Complete marks the caller's completion flag. When both participants have
// marked, the escrowed amount is released to the party that did not supply
// it, the offer is removed, and a funds-released notification is emitted in
// addition to the completion one.
func (s *Service) Complete(ctx context.Context, user string, id uint64) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}

	ctx, span := traces.StartSpan(ctx, "broker.Complete",
		traces.OfferID(id),
		traces.Identity(user),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !offer.Matched() {
		return nil, ErrNotMatched
	}
	if offer.DisputeOpened {
		return nil, ErrDisputeAlreadyOpen
	}

	user = strings.ToLower(user)
	switch user {
	case offer.Creator:
		if offer.CreatorMarked {
			return nil, ErrAlreadyMarkedComplete
		}
		offer.CreatorMarked = true
	case *offer.Counterparty:
		if offer.CounterpartyMarked {
			return nil, ErrAlreadyMarkedComplete
		}
		offer.CounterpartyMarked = true
	default:
		return nil, ErrNotAParticipant
	}
	offer.UpdatedAt = time.Now()

	if !offer.CreatorMarked || !offer.CounterpartyMarked {
		if err := s.store.Update(ctx, offer); err != nil {
			return nil, fmt.Errorf("failed to update offer record: %w", err)
		}
		metrics.OfferOperationsTotal.WithLabelValues("complete").Inc()
		s.emit(ctx, EventCompletionMarked, offer, user)
		return offer, nil
	}

	// Both sides confirmed: settle. The asset goes to whoever did not
	// supply it — the counterparty on a sell offer, the creator on a buy.
	recipient := offer.Creator
	if offer.Direction == DirectionSell {
		recipient = *offer.Counterparty
	}

	if err := s.custody.MoveAsset(ctx, s.custodyAddr, recipient, offer.AssetAmount, offer.reference()); err != nil {
		return nil, fmt.Errorf("failed to release escrowed funds: %w", err)
	}

	if err := s.removeSettled(ctx, offer, recipient); err != nil {
		return nil, err
	}

	metrics.OfferOperationsTotal.WithLabelValues("complete").Inc()
	metrics.OffersSettledTotal.Inc()
	s.emit(ctx, EventCompletionMarked, offer, user)
	s.emit(ctx, EventFundsReleased, offer, recipient)
	return offer, nil
}

// removeSettled deletes an offer whose escrow has already been released.
// The release has no safe inverse, so a failed delete is retried once and
// then logged for manual resolution.
func (s *Service) removeSettled(ctx context.Context, offer *Offer, recipient string) error {
	if err := s.store.Delete(ctx, offer.ID); err != nil {
		if retryErr := s.store.Delete(ctx, offer.ID); retryErr != nil {
			s.logger.Error("offer removal failed after fund release, manual resolution required",
				"offer_id", offer.ID,
				"recipient", recipient,
				"error", retryErr,
			)
			return fmt.Errorf("failed to remove offer after fund release (requires manual resolution): %w", err)
		}
	}
	return nil
}

// Cancel withdraws an unmatched offer. Only the creator may cancel, and
// only before a counterparty accepts; sell-side escrow is refunded in the
// same step.
func (s *Service) Cancel(ctx context.Context, user string, id uint64) error {
	if !s.initialized() {
		return ErrNotInitialized
	}

	ctx, span := traces.StartSpan(ctx, "broker.Cancel",
		traces.OfferID(id),
		traces.Identity(user),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if strings.ToLower(user) != offer.Creator {
		return ErrNotAuthorized
	}
	if offer.Matched() {
		return ErrAlreadyMatched
	}
	if offer.DisputeOpened {
		return ErrDisputeAlreadyOpen
	}

	if offer.Direction == DirectionSell {
		if err := s.custody.MoveAsset(ctx, s.custodyAddr, offer.Creator, offer.AssetAmount, offer.reference()); err != nil {
			return fmt.Errorf("failed to refund escrowed funds: %w", err)
		}
		if err := s.removeSettled(ctx, offer, offer.Creator); err != nil {
			return err
		}
	} else {
		if err := s.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to remove offer record: %w", err)
		}
	}

	metrics.OfferOperationsTotal.WithLabelValues("cancel").Inc()
	s.emit(ctx, EventOfferCancelled, offer, offer.Creator)
	return nil
}

// Get returns one offer by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}
	return s.store.Get(ctx, id)
}

// List returns offers matching the query. Pure projection, no side effects.
func (s *Service) List(ctx context.Context, q Query, limit int) ([]*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, q, limit)
}
