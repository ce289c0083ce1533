package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
)

// Policy holds the configurable limits the rules check against.
type Policy struct {
	MinDeposit    decimal.Decimal
	MinWithdrawal decimal.Decimal
	MaxWithdrawal decimal.Decimal
	LoanCeiling   int
}

// DefaultPolicy returns the stock limits: deposits and withdrawals from 100,
// withdrawals up to 50,000, three open loans.
func DefaultPolicy() Policy {
	return Policy{
		MinDeposit:    decimal.NewFromInt(100),
		MinWithdrawal: decimal.NewFromInt(100),
		MaxWithdrawal: decimal.NewFromInt(50000),
		LoanCeiling:   3,
	}
}

// AccountState is the snapshot a rule is evaluated against.
type AccountState struct {
	ID            uuid.UUID
	Balance       decimal.Decimal
	ApprovedLoans int
	// Reserve is the bank-wide total of balances.
	Reserve decimal.Decimal
}

// amountScale is the number of decimal places money carries.
const amountScale = 2

// CheckAmount rejects non-positive amounts and sub-cent fractions.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidAmount, amountScale)
	}
	return nil
}

// ValidateDeposit checks a deposit amount.
func (p Policy) ValidateDeposit(amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(p.MinDeposit) {
		return fmt.Errorf("%w: minimum deposit is %s", ErrInvalidAmount, p.MinDeposit)
	}
	return nil
}

// ValidateWithdraw checks a withdrawal. Withdrawing the entire balance is
// rejected: the amount must be strictly below it.
func (p Policy) ValidateWithdraw(state AccountState, amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(p.MinWithdrawal) {
		return fmt.Errorf("%w: minimum withdrawal is %s", ErrInvalidAmount, p.MinWithdrawal)
	}
	if amount.GreaterThan(p.MaxWithdrawal) {
		return fmt.Errorf("%w: maximum withdrawal is %s", ErrInvalidAmount, p.MaxWithdrawal)
	}
	if amount.GreaterThanOrEqual(state.Balance) {
		return fmt.Errorf("%w: balance %s does not cover withdrawal of %s", ErrInsufficientFunds, state.Balance, amount)
	}
	if state.Reserve.LessThan(amount) {
		return fmt.Errorf("%w: bank reserve %s is below %s", ErrInsufficientFunds, state.Reserve, amount)
	}
	return nil
}

// ValidateTransferParties rejects transfers without a distinct receiver.
func ValidateTransferParties(from, to uuid.UUID) error {
	if to == uuid.Nil {
		return fmt.Errorf("%w: receiver account is required", ErrAccountNotFound)
	}
	if from == to {
		return ErrSameAccount
	}
	return nil
}

// ValidateTransfer checks the sender can fund the transfer. Unlike
// withdrawals, sending the full balance is allowed.
func (p Policy) ValidateTransfer(sender AccountState, amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if sender.Balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s does not cover transfer of %s", ErrInsufficientFunds, sender.Balance, amount)
	}
	return nil
}

// ValidateLoanRequest enforces the open-loan ceiling.
func (p Policy) ValidateLoanRequest(state AccountState, amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if state.ApprovedLoans >= p.LoanCeiling {
		return fmt.Errorf("%w: %d of %d loans already approved", ErrLoanLimitExceeded, state.ApprovedLoans, p.LoanCeiling)
	}
	return nil
}

// ValidateLoanApproval checks a pending loan may be approved without taking
// the account past the ceiling.
func (p Policy) ValidateLoanApproval(state AccountState, loan models.Transaction) error {
	if err := checkLoanOwner(state, loan); err != nil {
		return err
	}
	if loan.Type != models.LoanRequest || loan.LoanStatus != models.LoanRequested {
		return fmt.Errorf("%w: loan %s is %s", ErrLoanState, loan.ID, loan.LoanStatus)
	}
	if state.ApprovedLoans >= p.LoanCeiling {
		return fmt.Errorf("%w: %d of %d loans already approved", ErrLoanLimitExceeded, state.ApprovedLoans, p.LoanCeiling)
	}
	return nil
}

// ValidateLoanRejection checks a loan is still pending.
func ValidateLoanRejection(state AccountState, loan models.Transaction) error {
	if err := checkLoanOwner(state, loan); err != nil {
		return err
	}
	if loan.Type != models.LoanRequest || loan.LoanStatus != models.LoanRequested {
		return fmt.Errorf("%w: loan %s is %s", ErrLoanState, loan.ID, loan.LoanStatus)
	}
	return nil
}

// ValidateLoanPayment checks the loan is approved and unpaid and that the
// balance strictly exceeds the loan amount.
func ValidateLoanPayment(state AccountState, loan models.Transaction) error {
	if err := checkLoanOwner(state, loan); err != nil {
		return err
	}
	if loan.Type != models.LoanRequest || loan.LoanStatus != models.LoanApproved {
		return fmt.Errorf("%w: loan %s is %s", ErrLoanNotApproved, loan.ID, loan.LoanStatus)
	}
	if !state.Balance.GreaterThan(loan.Amount) {
		return fmt.Errorf("%w: balance %s does not exceed loan of %s", ErrInsufficientFunds, state.Balance, loan.Amount)
	}
	return nil
}

func checkLoanOwner(state AccountState, loan models.Transaction) error {
	if !loan.Type.IsLoan() || loan.AccountID != state.ID {
		return fmt.Errorf("%w: %s", ErrLoanNotFound, loan.ID)
	}
	return nil
}
