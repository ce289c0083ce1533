package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountCategory is the product an account was opened as.
type AccountCategory string

const (
	Savings AccountCategory = "savings"
	Current AccountCategory = "current"
)

// Valid reports whether c is a known category.
func (c AccountCategory) Valid() bool {
	return c == Savings || c == Current
}

// Gender is carried for display only.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
	Other  Gender = "other"
)

// Valid reports whether g is a known gender value.
func (g Gender) Valid() bool {
	return g == Male || g == Female || g == Other
}

// Account is the single bank account owned by a user. Balance is mutated
// only by the ledger engine.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	Number         int64           `json:"account_number"`
	UserID         int64           `json:"user_id"`
	Category       AccountCategory `json:"account_type"`
	DateOfBirth    *time.Time      `json:"date_of_birth,omitempty"`
	Gender         Gender          `json:"gender,omitempty"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
}
