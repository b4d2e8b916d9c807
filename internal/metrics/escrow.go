package metrics

import (
	"sync"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	offersMade      prometheus.Counter
	offersSettled   prometheus.Counter
	settleRejected  *prometheus.CounterVec
	settledAmount   prometheus.Counter
	rentRefunded    prometheus.Counter
	indexedOffers   *prometheus.GaugeVec
	indexerPolls    *prometheus.CounterVec
	relaySubmitted  *prometheus.CounterVec
	wsSubscribers   prometheus.Gauge
	wsDroppedEvents prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics, registering them with the
// default prometheus registry on first use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = newEscrowMetrics()
		prometheus.MustRegister(escrowRegistry.collectors()...)
	})
	return escrowRegistry
}

func newEscrowMetrics() *EscrowMetrics {
	return &EscrowMetrics{
		offersMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_offers_made_total",
			Help: "Offers created.",
		}),
		offersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_offers_settled_total",
			Help: "Offers settled and closed.",
		}),
		settleRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settle_rejected_total",
			Help: "Settlement attempts rejected, by error kind.",
		}, []string{"kind"}),
		settledAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_settled_token_units_total",
			Help: "Token base units returned to makers by settlement.",
		}),
		rentRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_rent_refunded_lamports_total",
			Help: "Lamports refunded to makers from closed vaults and offers.",
		}),
		indexedOffers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_indexed_offers",
			Help: "Offers known to the indexer, by state.",
		}, []string{"state"}),
		indexerPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_indexer_polls_total",
			Help: "Indexer poll cycles, by result.",
		}, []string{"result"}),
		relaySubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_relay_transactions_total",
			Help: "close_offer transactions submitted by the relay, by result.",
		}, []string{"result"}),
		wsSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_ws_subscribers",
			Help: "Connected websocket event subscribers.",
		}),
		wsDroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_ws_dropped_events_total",
			Help: "Events dropped because a subscriber was too slow.",
		}),
	}
}

func (m *EscrowMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.offersMade,
		m.offersSettled,
		m.settleRejected,
		m.settledAmount,
		m.rentRefunded,
		m.indexedOffers,
		m.indexerPolls,
		m.relaySubmitted,
		m.wsSubscribers,
		m.wsDroppedEvents,
	}
}

// Emit records an escrow event. It satisfies escrow.Emitter.
func (m *EscrowMetrics) Emit(evt escrow.Event) {
	if m == nil {
		return
	}
	switch evt.Type {
	case escrow.EventOfferMade:
		m.offersMade.Inc()
	case escrow.EventOfferSettled:
		m.offersSettled.Inc()
		m.settledAmount.Add(float64(evt.Amount))
		if evt.Receipt != nil {
			m.rentRefunded.Add(float64(evt.Receipt.RentRefund()))
		}
	case escrow.EventSettleRejected:
		kind := string(evt.Kind)
		if kind == "" {
			kind = "unknown"
		}
		m.settleRejected.WithLabelValues(kind).Inc()
	}
}

func (m *EscrowMetrics) SetIndexedOffers(state escrow.OfferState, count int) {
	if m == nil {
		return
	}
	m.indexedOffers.WithLabelValues(string(state)).Set(float64(count))
}

func (m *EscrowMetrics) ObserveIndexerPoll(err error) {
	if m == nil {
		return
	}
	m.indexerPolls.WithLabelValues(result(err)).Inc()
}

func (m *EscrowMetrics) ObserveRelaySubmit(err error) {
	if m == nil {
		return
	}
	m.relaySubmitted.WithLabelValues(result(err)).Inc()
}

func (m *EscrowMetrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.wsSubscribers.Inc()
}

func (m *EscrowMetrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.wsSubscribers.Dec()
}

func (m *EscrowMetrics) EventDropped() {
	if m == nil {
		return
	}
	m.wsDroppedEvents.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
