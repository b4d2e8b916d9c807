package metrics

import (
	"errors"
	"testing"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEscrowMetrics_Emit(t *testing.T) {
	m := newEscrowMetrics()

	m.Emit(escrow.Event{Type: escrow.EventOfferMade, Amount: 10})
	m.Emit(escrow.Event{
		Type:    escrow.EventOfferSettled,
		Amount:  10,
		Receipt: &escrow.Receipt{Amount: 10, VaultRentRefund: 2_039_280, OfferRentRefund: 1_677_360},
	})
	m.Emit(escrow.Event{Type: escrow.EventSettleRejected, Kind: escrow.KindAccountNotFound})
	m.Emit(escrow.Event{Type: escrow.EventSettleRejected, Kind: escrow.KindAccountNotFound})
	m.Emit(escrow.Event{Type: escrow.EventSettleRejected})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.offersMade))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.offersSettled))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.settledAmount))
	assert.Equal(t, 3_716_640.0, testutil.ToFloat64(m.rentRefunded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.settleRejected.WithLabelValues("account_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settleRejected.WithLabelValues("unknown")))
}

func TestEscrowMetrics_Observers(t *testing.T) {
	m := newEscrowMetrics()

	m.ObserveIndexerPoll(nil)
	m.ObserveIndexerPoll(errors.New("rpc down"))
	m.ObserveRelaySubmit(nil)
	m.SetIndexedOffers(escrow.OfferStateOpen, 4)
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.EventDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexerPolls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexerPolls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relaySubmitted.WithLabelValues("ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.indexedOffers.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsSubscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsDroppedEvents))
}

func TestEscrowMetrics_NilSafe(t *testing.T) {
	var m *EscrowMetrics
	assert.NotPanics(t, func() {
		m.Emit(escrow.Event{Type: escrow.EventOfferMade})
		m.ObserveIndexerPoll(nil)
		m.SubscriberAdded()
	})
}
