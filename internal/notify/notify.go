// Package notify hands committed ledger events to whatever delivers them to
// customers. Rendering and delivery live here, never in the engine.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hongminglow/all-in-ledger/internal/models"
)

// Event is the data a notification is rendered from.
type Event struct {
	User      models.User
	Type      models.TransactionType
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	Timestamp time.Time
}

// Notifier delivers events. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

var subjects = map[models.TransactionType]string{
	models.Deposit:     "Deposit",
	models.Withdraw:    "Withdrawal",
	models.TransferOut: "Money sent",
	models.TransferIn:  "Money received",
	models.LoanRequest: "Loan requested",
	models.LoanPayment: "Loan repaid",
}

// Render formats the subject and body for an event.
func Render(e Event) (subject, body string) {
	subject, ok := subjects[e.Type]
	if !ok {
		subject = string(e.Type)
	}
	p := message.NewPrinter(language.English)
	body = p.Sprintf("Hi %s, %s of %s Tk on %s. Balance: %s Tk.",
		e.User.Username, subject, formatAmount(p, e.Amount),
		e.Timestamp.Format("02 Jan 2006 15:04 MST"), formatAmount(p, e.Balance))
	return subject, body
}

// formatAmount groups thousands and keeps two decimals.
func formatAmount(p *message.Printer, d decimal.Decimal) string {
	whole := d.Truncate(0)
	frac := d.Sub(whole).Abs().Shift(2).Round(0).IntPart()
	sign := ""
	if d.IsNegative() {
		sign = "-"
		whole = whole.Abs()
	}
	return fmt.Sprintf("%s%s.%02d", sign, p.Sprintf("%d", whole.IntPart()), frac)
}

// LogNotifier writes rendered notifications to the process log.
type LogNotifier struct{}

// Notify logs the rendered event.
func (LogNotifier) Notify(_ context.Context, e Event) error {
	subject, body := Render(e)
	log.Printf("notify: to=%s subject=%q body=%q", e.User.Email, subject, body)
	return nil
}
