package betting

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/session"
	"github.com/Vodeneev/betagent/internal/transport"
)

// ReconcileClient is the transport surface of the settlement pass.
type ReconcileClient interface {
	WagerList(ctx context.Context, id *transport.Identity, days int) ([]transport.PlatformWager, error)
	WagerDetail(ctx context.Context, id *transport.Identity, ticketID string) (*transport.PlatformWager, error)
}

// stakeTolerance bounds ticketless stake matching.
var stakeTolerance = decimal.RequireFromString("0.01")

const historyDays = 7

// Reconciler drives settlement state for the local wager ledger from the
// platform's wager history. Safe to run repeatedly and concurrently per
// account: terminal records are never touched and refunds are ledger-guarded.
type Reconciler struct {
	sessions       Sessions
	client         ReconcileClient
	wagers         storage.WagerStore
	refunds        storage.RefundLedger
	maxConcurrency int
	log            *slog.Logger
}

func NewReconciler(sessions Sessions, client ReconcileClient, wagers storage.WagerStore, refunds storage.RefundLedger, maxConcurrency int) *Reconciler {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Reconciler{
		sessions:       sessions,
		client:         client,
		wagers:         wagers,
		refunds:        refunds,
		maxConcurrency: maxConcurrency,
		log:            slog.Default().With("component", "reconcile"),
	}
}

// SyncSettlements reconciles every listed account. Per-account failures are
// logged and left for the next pass; they never abort sibling accounts.
func (r *Reconciler) SyncSettlements(ctx context.Context, accountIDs []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)

	for _, accountID := range accountIDs {
		accountID := accountID
		g.Go(func() error {
			if err := r.syncAccount(gctx, accountID); err != nil {
				r.log.Warn("Reconcile pass failed, will retry next cycle", "account", accountID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) syncAccount(ctx context.Context, accountID string) error {
	return r.sessions.WithSession(ctx, accountID, func(ctx context.Context, h *session.Handle) error {
		listed, err := r.client.WagerList(ctx, h.Identity, historyDays)
		if err != nil {
			return err
		}
		open, err := r.wagers.OpenWagers(ctx, accountID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		// Listed entries belonging to any local record, settled and cancelled
		// ones included, are off-limits for stake matching.
		known, err := r.wagers.TicketIDs(ctx, accountID)
		if err != nil {
			return err
		}
		claimed := make(map[int]bool, len(listed))
		for i := range listed {
			for _, ticketID := range known {
				if transport.TicketIDsEqual(ticketID, listed[i].TicketID) {
					claimed[i] = true
					break
				}
			}
		}

		for i := range open {
			rec := &open[i]
			if rec.Terminal() {
				continue
			}
			if rec.TicketID == "" {
				if err := r.claimByStake(ctx, rec, listed, claimed); err != nil {
					return err
				}
				continue
			}
			if err := r.settleByTicket(ctx, h, rec, listed); err != nil {
				return err
			}
		}
		return nil
	})
}

// claimByStake attaches the first unclaimed platform wager whose stake matches
// the local record within the tolerance. Submission can outrun the platform's
// ticket assignment, so a ticketless record is expected shortly after a bet.
func (r *Reconciler) claimByStake(ctx context.Context, rec *models.WagerRecord, listed []transport.PlatformWager, claimed map[int]bool) error {
	for i := range listed {
		if claimed[i] || listed[i].TicketID == "" {
			continue
		}
		if rec.Stake.Sub(listed[i].Stake).Abs().GreaterThan(stakeTolerance) {
			continue
		}
		claimed[i] = true
		if err := r.wagers.AttachTicket(ctx, rec.LocalID, listed[i].TicketID); err != nil {
			return err
		}
		rec.TicketID = listed[i].TicketID
		rec.Status = models.WagerConfirmed
		r.log.Info("Ticket reconciled by stake", "account", rec.AccountID,
			"ticket", listed[i].TicketID, "stake", rec.Stake)
		return nil
	}
	return nil
}

func (r *Reconciler) settleByTicket(ctx context.Context, h *session.Handle, rec *models.WagerRecord, listed []transport.PlatformWager) error {
	var found *transport.PlatformWager
	for i := range listed {
		if transport.TicketIDsEqual(listed[i].TicketID, rec.TicketID) {
			found = &listed[i]
			break
		}
	}

	if found == nil {
		// Not in the listing. Only a successful detail lookup that comes back
		// empty proves the platform dropped the ticket.
		detail, err := r.client.WagerDetail(ctx, h.Identity, rec.TicketID)
		if err != nil {
			return err
		}
		if detail == nil {
			return r.cancelAndRefund(ctx, rec)
		}
		found = detail
	}

	if !found.HasSettlement {
		return nil
	}
	if isVoidResult(found.ResultText) {
		r.log.Info("Wager voided by platform", "account", rec.AccountID, "ticket", rec.TicketID)
		return r.wagers.MarkCancelled(ctx, rec.LocalID)
	}

	payout := found.Settlement
	outcome := "push"
	switch {
	case payout.GreaterThan(rec.Stake):
		outcome = "win"
	case payout.LessThan(rec.Stake):
		outcome = "lose"
	}
	if err := r.wagers.MarkSettled(ctx, rec.LocalID, payout, outcome); err != nil {
		return err
	}
	r.log.Info("Wager settled", "account", rec.AccountID, "ticket", rec.TicketID,
		"stake", rec.Stake, "payout", payout, "outcome", outcome)
	return nil
}

// cancelAndRefund marks the record cancelled and refunds the stake exactly
// once. The refund ledger's uniqueness guard keeps repeated or concurrent
// passes from paying twice.
func (r *Reconciler) cancelAndRefund(ctx context.Context, rec *models.WagerRecord) error {
	if err := r.wagers.MarkCancelled(ctx, rec.LocalID); err != nil {
		return err
	}
	issued, err := r.refunds.IssueRefund(ctx, rec.AccountID, rec.TicketID, rec.Stake)
	if err != nil {
		return err
	}
	if issued {
		r.log.Info("Stake refunded for platform-cancelled wager",
			"account", rec.AccountID, "ticket", rec.TicketID, "stake", rec.Stake)
	} else {
		r.log.Info("Refund already issued, skipping", "account", rec.AccountID, "ticket", rec.TicketID)
	}
	return nil
}

func isVoidResult(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "void") || strings.Contains(lower, "cancel") ||
		strings.Contains(lower, "abandon")
}
