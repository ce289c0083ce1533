package dto

import (
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/ledger"
	"github.com/hongminglow/all-in-ledger/internal/models"
)

// AmountRequest is the body of deposit, withdraw and loan request calls.
type AmountRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id"`
}

type TransferRequest struct {
	AccountNumber int64           `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	RequestID     string          `json:"request_id"`
}

type PayLoanRequest struct {
	RequestID string `json:"request_id"`
}

// TransactionResponse returns the record and the account after it.
type TransactionResponse struct {
	Transaction models.Transaction `json:"transaction"`
	Account     models.Account     `json:"account"`
	Replayed    bool               `json:"replayed,omitempty"`
}

type TransferResponse struct {
	Sent     models.Transaction `json:"sent"`
	Received models.Transaction `json:"received"`
	Account  models.Account     `json:"account"`
	Replayed bool               `json:"replayed,omitempty"`
}

type StatementResponse struct {
	Account      models.Account        `json:"account"`
	Summary      ledger.BalanceSummary `json:"summary"`
	Transactions []models.Transaction  `json:"transactions"`
}

type ReserveResponse struct {
	Total decimal.Decimal `json:"total"`
}
