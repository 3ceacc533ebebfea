// Package stream fan-outs transaction events to live subscribers (the SSE
// endpoint of the API). Back-office dashboards watch the feed for teller
// activity; delivery is best-effort and slow subscribers drop events rather
// than blocking the ledger.
package stream

import (
	"context"
	"sync"
	"time"

	"sikaplan.org/internal/ledger"
)

// TransactionEvent is the published view of one committed money movement.
type TransactionEvent struct {
	Type      ledger.TransactionType `json:"type"`
	Amount    int64                  `json:"amount"`
	Currency  string                 `json:"currency"`
	LoanID    string                 `json:"loan_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// FromTransaction builds the event for a committed transaction record.
func FromTransaction(tx ledger.Transaction) TransactionEvent {
	evt := TransactionEvent{
		Type:      tx.Type,
		Amount:    tx.Amount.Amount,
		Currency:  tx.Amount.Currency,
		LoanID:    tx.LoanID,
		AccountID: tx.AccountID,
		Timestamp: tx.CreatedAt,
	}
	if tx.Transfer != nil {
		evt.AccountID = tx.Transfer.FromAccountID
	}
	return evt
}

// Stream fan-outs transaction events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan TransactionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan TransactionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan TransactionEvent {
	ch := make(chan TransactionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt TransactionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
