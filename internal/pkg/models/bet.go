package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetOrder is one bet request, dispatched to a cohort of accounts.
type BetOrder struct {
	MatchID    string
	Market     string // e.g. "FT" full-time result, "OU" over/under
	Selection  string
	Stake      decimal.Decimal
	QuotedOdds decimal.Decimal

	// MinOdds, when positive, rejects submission if the previewed market odds
	// have moved below it.
	MinOdds decimal.Decimal
}

// Bet rejection reasons produced locally (platform codes are mapped in the
// transport package).
const (
	ReasonLineConflicted = "line_conflicted"
	ReasonOddsBelowMin   = "odds_below_minimum"
)

// BetResult is the per-account outcome of one dispatch.
type BetResult struct {
	AccountID    string
	Accepted     bool
	TicketID     string // may be empty right after submission, reconciled later
	RealizedOdds decimal.Decimal
	Reason       string // rejection reason, empty when accepted
}

// SettlementStatus of a wager record. settled and cancelled are terminal.
type SettlementStatus string

const (
	WagerPending   SettlementStatus = "pending"
	WagerConfirmed SettlementStatus = "confirmed"
	WagerSettled   SettlementStatus = "settled"
	WagerCancelled SettlementStatus = "cancelled"
)

// WagerRecord is the local ledger row for one accepted bet.
type WagerRecord struct {
	LocalID   int64
	AccountID string
	MatchID   string
	TicketID  string // platform ticket id, unique once known
	Stake     decimal.Decimal
	Payout    decimal.Decimal
	Status    SettlementStatus
	Outcome   string
	PlacedAt  time.Time
	SettledAt time.Time
}

// Terminal reports whether the record can no longer change.
func (w *WagerRecord) Terminal() bool {
	return w.Status == WagerSettled || w.Status == WagerCancelled
}
