package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fairbroker/fairbroker/internal/metrics"
	"github.com/fairbroker/fairbroker/internal/traces"
)

// OpenDispute freezes a matched offer. Either participant may open a
// dispute; once open, completion, cancellation and acceptance all fail
// until the arbiter resolves.
func (s *Service) OpenDispute(ctx context.Context, user string, id uint64) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}

	ctx, span := traces.StartSpan(ctx, "broker.OpenDispute",
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
	if !offer.isParticipant(user) {
		return nil, ErrNotAParticipant
	}

	offer.DisputeOpened = true
	offer.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to update offer record: %w", err)
	}

	metrics.OfferOperationsTotal.WithLabelValues("dispute").Inc()
	metrics.DisputesOpenedTotal.Inc()
	s.emit(ctx, EventDisputeOpened, offer, user)
	return offer, nil
}

// ResolveDispute rules on an open dispute. Only the offer's arbiter may
// resolve; the escrowed amount is released to the favored side and the
// offer is removed. Ruling against the creator of an unmatched offer leaves
// no party to pay, so no funds move and the offer is removed as-is.
func (s *Service) ResolveDispute(ctx context.Context, user string, id uint64, favorCreator bool) (*Offer, error) {
	if !s.initialized() {
		return nil, ErrNotInitialized
	}

	ctx, span := traces.StartSpan(ctx, "broker.ResolveDispute",
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

	if !offer.DisputeOpened {
		return nil, ErrDisputeNotOpen
	}
	if strings.ToLower(user) != offer.Arbiter {
		return nil, ErrNotAuthorized
	}

	if !favorCreator && offer.Counterparty == nil {
		// Ruled against the creator with nobody on the other side.
		// No transfer happens; any sell-side escrow stays in custody.
		if offer.escrowed() {
			s.logger.Warn("dispute resolved against creator of unmatched offer, escrow stranded in custody",
				"offer_id", offer.ID,
				"amount", offer.AssetAmount,
			)
		}
		if err := s.store.Delete(ctx, offer.ID); err != nil {
			return nil, fmt.Errorf("failed to remove offer record: %w", err)
		}
		metrics.OfferOperationsTotal.WithLabelValues("resolve").Inc()
		metrics.DisputesResolvedTotal.Inc()
		s.emit(ctx, EventDisputeResolved, offer, offer.Arbiter)
		return offer, nil
	}

	recipient := offer.Creator
	if !favorCreator {
		recipient = *offer.Counterparty
	}

	if err := s.custody.MoveAsset(ctx, s.custodyAddr, recipient, offer.AssetAmount, offer.reference()); err != nil {
		return nil, fmt.Errorf("failed to release escrowed funds: %w", err)
	}

	if err := s.removeSettled(ctx, offer, recipient); err != nil {
		return nil, err
	}

	metrics.OfferOperationsTotal.WithLabelValues("resolve").Inc()
	metrics.DisputesResolvedTotal.Inc()
	s.emit(ctx, EventDisputeResolved, offer, recipient)
	return offer, nil
}
