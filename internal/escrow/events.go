package escrow

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

type EventType string

const (
	EventOfferMade      EventType = "escrow.offer.made"
	EventOfferSettled   EventType = "escrow.offer.settled"
	EventSettleRejected EventType = "escrow.offer.settle_rejected"
)

// Event is emitted after an operation commits or is rejected. Rejected events
// carry the failure Kind and no Receipt.
type Event struct {
	Type    EventType        `json:"type"`
	Maker   solana.PublicKey `json:"maker"`
	OfferID uint64           `json:"offerId"`
	Offer   solana.PublicKey `json:"offer"`
	Amount  uint64           `json:"amount"`
	Kind    Kind             `json:"kind,omitempty"`
	Error   string           `json:"error,omitempty"`
	Receipt *Receipt         `json:"receipt,omitempty"`
	At      time.Time        `json:"at"`
}

type Emitter interface {
	Emit(Event)
}

type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans an event out to every member in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
