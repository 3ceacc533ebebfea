// Command smoke-ledger runs a full loan and savings lifecycle against the
// in-memory backend. It is a release gate: if this fails, nothing ships.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

func main() {
	log.SetFlags(0)
	svc := ledger.NewInMemory(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	account, err := svc.OpenAccount(ctx, ledger.OpenAccountInput{
		CustomerID:  "smoke-customer",
		Type:        ledger.AccountRegular,
		Initial:     money.New(money.DefaultCurrency, 0),
		PerformedBy: "smoke",
	})
	if err != nil {
		log.Fatalf("open account: %v", err)
	}

	loan, err := svc.CreateLoan(ctx, ledger.CreateLoanInput{
		CustomerID: "smoke-customer",
		Amount:     money.New(money.DefaultCurrency, 120_000),
		AnnualRate: decimal.NewFromInt(24),
		TermMonths: 12,
		Purpose:    "smoke test",
	})
	if err != nil {
		log.Fatalf("create loan: %v", err)
	}
	if _, err = svc.ApproveLoan(ctx, loan.ID); err != nil {
		log.Fatalf("approve: %v", err)
	}
	entries, err := svc.GenerateSchedule(ctx, loan.ID)
	if err != nil {
		log.Fatalf("schedule: %v", err)
	}
	if len(entries) != 12 {
		log.Fatalf("schedule entries = %d, want 12", len(entries))
	}

	loan, disbursement, err := svc.DisburseLoan(ctx, ledger.DisburseInput{
		LoanID:          loan.ID,
		CreditAccountID: account.ID,
		Method:          "smoke",
		PerformedBy:     "smoke",
	})
	if err != nil {
		log.Fatalf("disburse: %v", err)
	}
	if loan.Status != ledger.StatusDisbursed {
		log.Fatalf("loan status after disbursement = %s", loan.Status)
	}

	account, err = svc.GetAccount(ctx, account.ID)
	if err != nil {
		log.Fatalf("get account: %v", err)
	}
	if account.Balance.Amount != 120_000 {
		log.Fatalf("credited balance = %d, want 120000", account.Balance.Amount)
	}

	outcome, err := svc.ApplyRepayment(ctx, ledger.RepaymentInput{
		LoanID:      loan.ID,
		Amount:      entries[0].TotalDue,
		Method:      "smoke",
		PerformedBy: "smoke",
	})
	if err != nil {
		log.Fatalf("repayment: %v", err)
	}
	if outcome.Entry == nil || !outcome.Entry.Paid {
		log.Fatalf("first installment not settled: %+v", outcome.Entry)
	}
	if outcome.Loan.Status != ledger.StatusActive {
		log.Fatalf("loan status after first repayment = %s", outcome.Loan.Status)
	}

	txs, _, err := svc.ListTransactions(ctx, ledger.TransactionQuery{Limit: 100, LoanID: loan.ID})
	if err != nil {
		log.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 2 {
		log.Fatalf("loan transactions = %d, want disbursement and repayment", len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].Sequence <= txs[i-1].Sequence {
			log.Fatalf("sequence not monotonic: %d then %d", txs[i-1].Sequence, txs[i].Sequence)
		}
	}

	fmt.Printf("ledger smoke test passed: loan=%s account=%s disbursement=%s\n",
		loan.Number, account.Number, disbursement.Number)
}
