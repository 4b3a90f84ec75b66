package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Vodeneev/betagent/internal/pkg/models"
)

// AccountStore is the engine's view of the externally owned account records.
// Reads are free; writes are limited to fields the engine is allowed to update
// after platform-forced flows (passcode, credential rotation).
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.AccountCredential, error)
	ListEnabledAccounts(ctx context.Context) ([]models.AccountCredential, error)
	UpdatePasscode(ctx context.Context, id, passcode string) error
	UpdateCredentials(ctx context.Context, id, loginID, password string) error
}

// SessionBlobStore persists the opaque transport identity (cookies, subject
// id) per account so a session can be restored without a fresh login.
type SessionBlobStore interface {
	SaveBlob(ctx context.Context, accountID string, blob []byte, ttl time.Duration) error
	LoadBlob(ctx context.Context, accountID string) ([]byte, error)
	DeleteBlob(ctx context.Context, accountID string) error
}

// PresenceStore mirrors session online/offline status to external storage.
type PresenceStore interface {
	SetOnline(ctx context.Context, accountID string, online bool) error
}

// WagerStore is the local ledger of placed bets.
type WagerStore interface {
	CreateWager(ctx context.Context, w *models.WagerRecord) error
	// OpenWagers returns this account's non-terminal records (pending, confirmed).
	OpenWagers(ctx context.Context, accountID string) ([]models.WagerRecord, error)
	// TicketIDs returns every ticket id recorded for the account, terminal
	// records included.
	TicketIDs(ctx context.Context, accountID string) ([]string, error)
	AttachTicket(ctx context.Context, localID int64, ticketID string) error
	MarkSettled(ctx context.Context, localID int64, payout decimal.Decimal, outcome string) error
	MarkCancelled(ctx context.Context, localID int64) error
}

// RefundLedger guards the exactly-once refund on platform-side cancellation.
type RefundLedger interface {
	// IssueRefund records a refund for a ticket. Returns false without error
	// when a refund for this ticket was already issued.
	IssueRefund(ctx context.Context, accountID, ticketID string, amount decimal.Decimal) (bool, error)
}
