package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairbroker/fairbroker/internal/broker"
	"github.com/fairbroker/fairbroker/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairbroker",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fairbroker",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter fans broker state transitions out to subscribed identities.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

var _ broker.EventEmitter = (*Emitter)(nil)

// OfferEvent delivers one offer transition to every identity it concerns:
// the creator, the counterparty if matched, and the arbiter for dispute
// events.
func (e *Emitter) OfferEvent(ctx context.Context, typ broker.EventType, offer *broker.Offer, actor string) {
	if e == nil || e.d == nil {
		return
	}

	data := map[string]any{
		"offerId":        offer.ID,
		"creator":        offer.Creator,
		"arbiter":        offer.Arbiter,
		"assetAmount":    offer.AssetAmount,
		"offChainAmount": offer.OffChainAmount,
		"direction":      string(offer.Direction),
		"actor":          actor,
	}
	if offer.Counterparty != nil {
		data["counterparty"] = *offer.Counterparty
	}

	recipients := map[string]bool{offer.Creator: true}
	if offer.Counterparty != nil {
		recipients[*offer.Counterparty] = true
	}
	switch typ {
	case broker.EventDisputeOpened, broker.EventDisputeResolved:
		recipients[offer.Arbiter] = true
	}

	for identity := range recipients {
		e.emit(identity, EventType(typ), data)
	}
}

// EmitDeposit notifies an identity that its balance was credited.
func (e *Emitter) EmitDeposit(account string, amount uint64, txHash string) {
	if e == nil || e.d == nil {
		return
	}
	e.emit(account, EventBalanceDeposit, map[string]any{
		"account": account,
		"amount":  amount,
		"txHash":  txHash,
	})
}

func (e *Emitter) emit(identity string, eventType EventType, data map[string]any) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.d.DispatchToIdentity(context.Background(), identity, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "identity", identity, "error", err)
	}
}
