package ledger

import "testing"

func TestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to LoanStatus
	}{
		{StatusPending, StatusApproved},
		{StatusApproved, StatusDisbursed},
		{StatusDisbursed, StatusActive},
		{StatusDisbursed, StatusFullyPaid},
		{StatusActive, StatusFullyPaid},
		{StatusPending, StatusDefaulted},
		{StatusApproved, StatusDefaulted},
		{StatusDisbursed, StatusDefaulted},
		{StatusActive, StatusDefaulted},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to LoanStatus
	}{
		{StatusPending, StatusDisbursed},
		{StatusPending, StatusActive},
		{StatusApproved, StatusActive},
		{StatusActive, StatusPending},
		{StatusFullyPaid, StatusActive},
		{StatusFullyPaid, StatusDefaulted},
		{StatusDefaulted, StatusActive},
		{StatusDefaulted, StatusFullyPaid},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []LoanStatus{StatusFullyPaid, StatusDefaulted} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []LoanStatus{StatusPending, StatusApproved, StatusDisbursed, StatusActive} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusDisbursed.Repayable() || !StatusActive.Repayable() {
		t.Fatal("disbursed and active must accept repayments")
	}
	if StatusPending.Repayable() || StatusApproved.Repayable() || StatusFullyPaid.Repayable() {
		t.Fatal("only disbursed/active accept repayments")
	}
	if !StatusApproved.Schedulable() || !StatusDisbursed.Schedulable() || !StatusActive.Schedulable() {
		t.Fatal("approved/disbursed/active must allow schedule generation")
	}
	if StatusPending.Schedulable() || StatusDefaulted.Schedulable() {
		t.Fatal("pending/defaulted must not allow schedule generation")
	}
	if LoanStatus("bogus").Valid() {
		t.Fatal("unknown status must not be valid")
	}
}
