package betting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/pkg/storage"
	"github.com/Vodeneev/betagent/internal/platform"
	"github.com/Vodeneev/betagent/internal/session"
	"github.com/Vodeneev/betagent/internal/transport"
)

// Sessions supplies live sessions for betting operations. Satisfied by
// session.Manager.
type Sessions interface {
	WithSession(ctx context.Context, accountID string, fn func(ctx context.Context, h *session.Handle) error) error
}

// ProtocolClient is the transport surface the executor needs.
type ProtocolClient interface {
	OrderView(ctx context.Context, id *transport.Identity, gid, market, selection string) (*transport.OrderQuote, error)
	PlaceOrder(ctx context.Context, id *transport.Identity, order models.BetOrder, gid string) (*transport.OrderReceipt, error)
}

// DispatchResult is the per-account outcome list of one placeBets call, never
// an all-or-nothing verdict.
type DispatchResult struct {
	DispatchID string
	Results    []models.BetResult
	Accepted   int
	Rejected   int
}

// Executor dispatches one bet order across a cohort of accounts, enforcing
// line exclusivity before any submission starts.
type Executor struct {
	sessions       Sessions
	client         ProtocolClient
	accounts       storage.AccountStore
	wagers         storage.WagerStore
	maxConcurrency int
	log            *slog.Logger
}

func NewExecutor(sessions Sessions, client ProtocolClient, accounts storage.AccountStore, wagers storage.WagerStore, maxConcurrency int) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Executor{
		sessions:       sessions,
		client:         client,
		accounts:       accounts,
		wagers:         wagers,
		maxConcurrency: maxConcurrency,
		log:            slog.Default().With("component", "betting"),
	}
}

// PlaceBets submits the order for each account. Accounts sharing a lineKey are
// partitioned first-seen-wins: only the first holder of each key is submitted,
// the rest are rejected up front. Submissions then run concurrently and
// independently; one account's failure never cancels a sibling's.
func (e *Executor) PlaceBets(ctx context.Context, order models.BetOrder, accountIDs []string) (*DispatchResult, error) {
	dispatchID := uuid.NewString()
	log := e.log.With("dispatch", dispatchID, "match", order.MatchID)
	log.Info("Dispatching bet", "accounts", len(accountIDs), "stake", order.Stake)

	results := make([]models.BetResult, len(accountIDs))
	submit := make([]bool, len(accountIDs))

	// Exclusivity selection is computed deterministically before any
	// submission begins.
	lineHolder := make(map[string]string)
	for i, accountID := range accountIDs {
		results[i] = models.BetResult{AccountID: accountID}

		cred, err := e.accounts.GetAccount(ctx, accountID)
		if err != nil {
			log.Warn("Account unavailable", "account", accountID, "error", err)
			results[i].Reason = "account_unavailable"
			continue
		}
		if cred.LineKey != "" {
			if holder, taken := lineHolder[cred.LineKey]; taken {
				log.Info("Line conflict", "account", accountID, "line_key", cred.LineKey, "holder", holder)
				results[i].Reason = models.ReasonLineConflicted
				continue
			}
			lineHolder[cred.LineKey] = accountID
		}
		submit[i] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for i := range accountIDs {
		if !submit[i] {
			continue
		}
		i := i
		g.Go(func() error {
			e.submitOne(gctx, order, &results[i], log)
			return nil
		})
	}
	_ = g.Wait()

	out := &DispatchResult{DispatchID: dispatchID, Results: results}
	for _, r := range results {
		if r.Accepted {
			out.Accepted++
		} else {
			out.Rejected++
		}
	}
	log.Info("Dispatch finished", "accepted", out.Accepted, "rejected", out.Rejected)
	return out, nil
}

func (e *Executor) submitOne(ctx context.Context, order models.BetOrder, result *models.BetResult, log *slog.Logger) {
	accountID := result.AccountID
	err := e.sessions.WithSession(ctx, accountID, func(ctx context.Context, h *session.Handle) error {
		gid := order.MatchID

		if order.MinOdds.IsPositive() {
			quote, err := e.client.OrderView(ctx, h.Identity, gid, order.Market, order.Selection)
			if err != nil {
				return err
			}
			if quote.Odds.LessThan(order.MinOdds) {
				result.Reason = models.ReasonOddsBelowMin
				result.RealizedOdds = quote.Odds
				log.Info("Odds moved below minimum", "account", accountID,
					"odds", quote.Odds, "min_odds", order.MinOdds)
				return nil
			}
			if quote.GID != "" {
				gid = quote.GID
			}
			order.QuotedOdds = quote.Odds
		}

		receipt, err := e.client.PlaceOrder(ctx, h.Identity, order, gid)
		if err != nil {
			return err
		}

		result.Accepted = true
		result.TicketID = receipt.TicketID
		result.RealizedOdds = receipt.Odds

		record := &models.WagerRecord{
			AccountID: accountID,
			MatchID:   order.MatchID,
			TicketID:  receipt.TicketID,
			Stake:     order.Stake,
			Status:    models.WagerPending,
			PlacedAt:  time.Now(),
		}
		if receipt.TicketID != "" {
			record.Status = models.WagerConfirmed
		}
		if err := e.wagers.CreateWager(ctx, record); err != nil {
			// The platform holds the bet either way; the ledger catches up on
			// the next reconcile pass via stake matching.
			log.Error("Ledger write failed", "account", accountID, "ticket", receipt.TicketID, "error", err)
		}
		log.Info("Bet accepted", "account", accountID, "ticket", receipt.TicketID, "odds", receipt.Odds)
		return nil
	})
	if err != nil && result.Reason == "" {
		var rejected *platform.BetRejectedError
		switch {
		case errors.As(err, &rejected):
			result.Reason = rejected.Reason
		default:
			result.Reason = err.Error()
		}
		log.Warn("Bet failed", "account", accountID, "reason", result.Reason)
	}
}
