package apiserver

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

const (
	channelOffers       = "offers"
	channelMakerPrefix  = "offers."
	subscriberQueueSize = 64
	websocketPingPeriod = 30 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// eventHub fans escrow events out to websocket subscribers. A subscriber
// whose queue is full misses the event rather than stalling the program.
type eventHub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	metrics     *metrics.EscrowMetrics
	closed      bool
}

type subscriber struct {
	events chan escrow.Event
	subs   *subscriptionSet
}

func newEventHub(m *metrics.EscrowMetrics) *eventHub {
	return &eventHub{subscribers: map[*subscriber]struct{}{}, metrics: m}
}

func (h *eventHub) Emit(evt escrow.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if _, ok := sub.channelFor(evt); !ok {
			continue
		}
		select {
		case sub.events <- evt:
		default:
			h.metrics.EventDropped()
		}
	}
}

func (h *eventHub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{events: make(chan escrow.Event, subscriberQueueSize), subs: newSubscriptionSet()}
	h.subscribers[sub] = struct{}{}
	h.metrics.SubscriberAdded()
	return sub, true
}

func (h *eventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.events)
	h.metrics.SubscriberRemoved()
}

// Close disconnects every subscriber and refuses new ones.
func (h *eventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.events)
		h.metrics.SubscriberRemoved()
	}
}

// channelFor picks the channel evt is delivered on: the maker channel when
// subscribed, else the catch-all offers channel.
func (sub *subscriber) channelFor(evt escrow.Event) (string, bool) {
	makerChannel := channelMakerPrefix + evt.Maker.String()
	if sub.subs.Has(makerChannel) {
		return makerChannel, true
	}
	if sub.subs.Has(channelOffers) {
		return channelOffers, true
	}
	return "", false
}

func validChannel(channel string) bool {
	if channel == channelOffers {
		return true
	}
	if !strings.HasPrefix(channel, channelMakerPrefix) {
		return false
	}
	_, err := solana.PublicKeyFromBase58(strings.TrimPrefix(channel, channelMakerPrefix))
	return err == nil
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub, ok := s.hub.subscribe()
	if !ok {
		return
	}
	defer s.hub.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Only this goroutine writes to conn; the read loop hands it acks.
	acks := make(chan websocketEnvelope, 8)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, sub.subs, acks, readErrCh)

	ticker := time.NewTicker(websocketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case ack := <-acks:
			if err := writeWebsocketJSON(conn, ack); err != nil {
				return
			}
		case evt, ok := <-sub.events:
			if !ok {
				return
			}
			channel, wanted := sub.channelFor(evt)
			if !wanted {
				continue
			}
			if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: evt, TS: time.Now().Unix()}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, acks chan<- websocketEnvelope, readErrCh chan<- error) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}

		ack := websocketEnvelope{Channel: message.Channel, TS: time.Now().Unix()}
		switch {
		case !validChannel(message.Channel):
			ack.Type = "error"
			ack.Error = "unknown channel"
		case message.Type == "subscribe":
			subs.Add(message.Channel)
			ack.Type = "subscribed"
		case message.Type == "unsubscribe":
			subs.Remove(message.Channel)
			ack.Type = "unsubscribed"
		default:
			ack.Type = "error"
			ack.Error = "type must be subscribe or unsubscribe"
		}
		select {
		case acks <- ack:
		case <-ctx.Done():
			readErrCh <- nil
			return
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[channel]
	return ok
}

func verifyWalletSignature(wallet solana.PublicKey, signature, message string) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}
	if !sig.Verify(wallet, []byte(message)) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func decodeSignature(raw string) (solana.Signature, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.Signature{}, fmt.Errorf("signature is required")
	}

	if sig, err := solana.SignatureFromBase58(trimmed); err == nil {
		return sig, nil
	}
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		if raw, err := decode(trimmed); err == nil && len(raw) == ed25519.SignatureSize {
			return solana.SignatureFromBytes(raw), nil
		}
	}
	return solana.Signature{}, fmt.Errorf("unsupported signature encoding")
}
