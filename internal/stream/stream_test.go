package stream

import (
	"context"
	"testing"
	"time"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	evt := TransactionEvent{
		Type:      ledger.TxDeposit,
		Amount:    5000,
		Currency:  "GHS",
		AccountID: "acc-1",
		Timestamp: time.Now().UTC(),
	}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.Type != ledger.TxDeposit || got.Amount != 5000 || got.AccountID != "acc-1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberChannelClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after unsubscribe must not panic.
	s.Publish(TransactionEvent{Type: ledger.TxWithdrawal})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	// Overfill the buffered channel; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(TransactionEvent{Type: ledger.TxTransfer, Amount: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected full buffer of %d, got %d", cap(ch), len(ch))
	}
}

func TestFromTransaction(t *testing.T) {
	tx := ledger.Transaction{
		Type:      ledger.TxTransfer,
		Amount:    money.New("GHS", 1500),
		CreatedAt: time.Now().UTC(),
		Transfer: &ledger.TransferMetadata{
			FromAccountID: "acc-from",
			ToAccountID:   "acc-to",
		},
	}
	evt := FromTransaction(tx)
	if evt.AccountID != "acc-from" {
		t.Fatalf("transfer events should carry the source account, got %q", evt.AccountID)
	}
	if evt.Amount != 1500 || evt.Currency != "GHS" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
