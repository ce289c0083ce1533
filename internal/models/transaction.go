package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger record.
type TransactionType string

const (
	Deposit     TransactionType = "deposit"
	Withdraw    TransactionType = "withdraw"
	TransferOut TransactionType = "transfer_out"
	TransferIn  TransactionType = "transfer_in"
	LoanRequest TransactionType = "loan_request"
	LoanPayment TransactionType = "loan_payment"
)

// IsLoan reports whether t belongs to the loan lifecycle.
func (t TransactionType) IsLoan() bool {
	return t == LoanRequest || t == LoanPayment
}

// LoanStatus is the state of a loan record.
//
//	requested -> approved -> repaid
//	requested -> rejected
type LoanStatus string

const (
	LoanRequested LoanStatus = "requested"
	LoanApproved  LoanStatus = "approved"
	LoanRepaid    LoanStatus = "repaid"
	LoanRejected  LoanStatus = "rejected"
)

// Transaction is one immutable ledger record. Loan records are the exception:
// their status, type, balance snapshot and settlement time move with the loan.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after_transaction"`
	LoanApproved   bool            `json:"loan_approved"`
	LoanStatus     LoanStatus      `json:"loan_status,omitempty"`
	CorrelationID  *uuid.UUID      `json:"correlation_id,omitempty"`
	CounterpartyID *uuid.UUID      `json:"counterparty_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

// PostedAt is the moment the record last moved the balance: settlement time
// for repaid loans, creation time otherwise.
func (t Transaction) PostedAt() time.Time {
	if t.SettledAt != nil {
		return *t.SettledAt
	}
	return t.CreatedAt
}

// SignedAmount is the record's effect on the account balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch t.Type {
	case Deposit, TransferIn:
		return t.Amount
	case Withdraw, TransferOut, LoanPayment:
		return t.Amount.Neg()
	default:
		return decimal.Zero
	}
}
