package betting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Vodeneev/betagent/internal/pkg/models"
	"github.com/Vodeneev/betagent/internal/transport"
)

type fakeReconClient struct {
	mu          sync.Mutex
	lists       map[string][]transport.PlatformWager // account id -> history
	listErrs    map[string]error
	details     map[string]*transport.PlatformWager // ticket id -> detail
	detailErr   error
	detailCalls int
}

func (c *fakeReconClient) WagerList(ctx context.Context, id *transport.Identity, days int) ([]transport.PlatformWager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.listErrs[id.AccountID]; err != nil {
		return nil, err
	}
	return c.lists[id.AccountID], nil
}

func (c *fakeReconClient) WagerDetail(ctx context.Context, id *transport.Identity, ticketID string) (*transport.PlatformWager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detailCalls++
	if c.detailErr != nil {
		return nil, c.detailErr
	}
	for key, w := range c.details {
		if transport.TicketIDsEqual(key, ticketID) {
			return w, nil
		}
	}
	return nil, nil
}

func seedWager(w *fakeWagers, accountID, ticketID, stake string, status models.SettlementStatus) int64 {
	rec := &models.WagerRecord{
		AccountID: accountID,
		MatchID:   "M1",
		TicketID:  ticketID,
		Stake:     decimal.RequireFromString(stake),
		Status:    status,
		PlacedAt:  time.Now(),
	}
	_ = w.CreateWager(context.Background(), rec)
	return rec.LocalID
}

func TestSyncAttachesTicketByStake(t *testing.T) {
	// An accepted bet without a ticket id claims the unclaimed platform entry
	// with the same stake.
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "", "50.00", models.WagerPending)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT111", Stake: decimal.RequireFromString("50.00")}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	rec := wagers.records[localID]
	if rec.TicketID != "FT111" || rec.Status != models.WagerConfirmed {
		t.Errorf("record = %+v, want confirmed with ticket FT111", rec)
	}
}

func TestSyncStakeMatchIgnoresClaimedEntries(t *testing.T) {
	// The platform entry already belongs to another local record; the
	// ticketless one must not steal it.
	wagers := newFakeWagers()
	seedWager(wagers, "A1", "111", "50.00", models.WagerConfirmed)
	orphanID := seedWager(wagers, "A1", "", "50.00", models.WagerPending)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT111", Stake: decimal.RequireFromString("50.00")}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[orphanID]; rec.TicketID != "" {
		t.Errorf("orphan claimed ticket %q, want none", rec.TicketID)
	}
}

func TestSyncStakeMatchIgnoresSettledTickets(t *testing.T) {
	// A settled record's platform entry still shows up in the history window;
	// a ticketless record with the same stake must not claim it.
	wagers := newFakeWagers()
	settledID := seedWager(wagers, "A1", "111", "50.00", models.WagerSettled)
	orphanID := seedWager(wagers, "A1", "", "50.00", models.WagerPending)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT111", Stake: decimal.RequireFromString("50.00"),
			Settlement: decimal.RequireFromString("95.00"), HasSettlement: true, ResultText: "Win"}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[orphanID]; rec.TicketID != "" {
		t.Errorf("orphan claimed ticket %q of a settled record", rec.TicketID)
	}
	if rec := wagers.records[settledID]; rec.Status != models.WagerSettled {
		t.Errorf("settled record changed to %q", rec.Status)
	}
}

func TestSyncStakeMatchHonorsTolerance(t *testing.T) {
	wagers := newFakeWagers()
	closeID := seedWager(wagers, "A1", "", "50.00", models.WagerPending)
	farID := seedWager(wagers, "A1", "", "60.00", models.WagerPending)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT222", Stake: decimal.RequireFromString("50.01")}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[closeID]; rec.TicketID != "FT222" {
		t.Errorf("0.01 delta should match, record = %+v", rec)
	}
	if rec := wagers.records[farID]; rec.TicketID != "" {
		t.Errorf("10.00 delta must not match, record = %+v", rec)
	}
}

func TestSyncSettlesByTicket(t *testing.T) {
	wagers := newFakeWagers()
	winID := seedWager(wagers, "A1", "111", "50.00", models.WagerConfirmed)
	loseID := seedWager(wagers, "A1", "112", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {
			// Platform-prefixed id must match the raw local one.
			{TicketID: "FT111", Stake: decimal.RequireFromString("50.00"),
				Settlement: decimal.RequireFromString("95.00"), HasSettlement: true, ResultText: "Win"},
			{TicketID: "FT112", Stake: decimal.RequireFromString("50.00"),
				Settlement: decimal.RequireFromString("0.00"), HasSettlement: true, ResultText: "Lose"},
		},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	win := wagers.records[winID]
	if win.Status != models.WagerSettled || win.Outcome != "win" || !win.Payout.Equal(decimal.RequireFromString("95.00")) {
		t.Errorf("win record = %+v", win)
	}
	lose := wagers.records[loseID]
	if lose.Status != models.WagerSettled || lose.Outcome != "lose" {
		t.Errorf("lose record = %+v", lose)
	}
}

func TestSyncUnsettledWagerLeftOpen(t *testing.T) {
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "111", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT111", Stake: decimal.RequireFromString("50.00")}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[localID]; rec.Status != models.WagerConfirmed {
		t.Errorf("status = %q, want confirmed until settlement arrives", rec.Status)
	}
}

func TestSyncVoidedWagerCancelled(t *testing.T) {
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "111", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{
		"A1": {{TicketID: "FT111", Stake: decimal.RequireFromString("50.00"),
			Settlement: decimal.RequireFromString("50.00"), HasSettlement: true, ResultText: "Void - match abandoned"}},
	}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[localID]; rec.Status != models.WagerCancelled {
		t.Errorf("status = %q, want cancelled on void result", rec.Status)
	}
	if len(wagers.refunds) != 0 {
		t.Error("void with settlement must not issue a local refund")
	}
}

func TestSyncMissingTicketRefundsExactlyOnce(t *testing.T) {
	// Ticket is gone from both listing and detail lookup: platform dropped it.
	// Two consecutive passes must yield one cancellation and one refund.
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "222", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{lists: map[string][]transport.PlatformWager{"A1": nil}}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)

	r.SyncSettlements(context.Background(), []string{"A1"})
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[localID]; rec.Status != models.WagerCancelled {
		t.Errorf("status = %q, want cancelled", rec.Status)
	}
	if got := wagers.refunds["222"]; got != 1 {
		t.Errorf("refunds issued = %d, want exactly 1", got)
	}
}

func TestSyncDetailErrorLeavesRecordOpen(t *testing.T) {
	// Listing misses the ticket but the detail lookup fails: no proof of
	// cancellation, nothing changes until a clean pass.
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "222", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{
		lists:     map[string][]transport.PlatformWager{"A1": nil},
		detailErr: errors.New("timeout"),
	}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	if rec := wagers.records[localID]; rec.Status != models.WagerConfirmed {
		t.Errorf("status = %q, want confirmed (unproven cancellation)", rec.Status)
	}
	if len(wagers.refunds) != 0 {
		t.Error("refund issued without proof of cancellation")
	}
}

func TestSyncDetailHitSettlesMissingFromList(t *testing.T) {
	wagers := newFakeWagers()
	localID := seedWager(wagers, "A1", "222", "50.00", models.WagerConfirmed)

	client := &fakeReconClient{
		lists: map[string][]transport.PlatformWager{"A1": nil},
		details: map[string]*transport.PlatformWager{
			"FT222": {TicketID: "FT222", Stake: decimal.RequireFromString("50.00"),
				Settlement: decimal.RequireFromString("95.00"), HasSettlement: true, ResultText: "Win"},
		},
	}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1"})

	rec := wagers.records[localID]
	if rec.Status != models.WagerSettled || rec.Outcome != "win" {
		t.Errorf("record = %+v, want settled win from detail lookup", rec)
	}
}

func TestSyncAccountFailuresAreIsolated(t *testing.T) {
	wagers := newFakeWagers()
	seedWager(wagers, "A1", "111", "50.00", models.WagerConfirmed)
	okID := seedWager(wagers, "A2", "333", "20.00", models.WagerConfirmed)

	client := &fakeReconClient{
		listErrs: map[string]error{"A1": errors.New("connection reset")},
		lists: map[string][]transport.PlatformWager{
			"A2": {{TicketID: "FT333", Stake: decimal.RequireFromString("20.00"),
				Settlement: decimal.RequireFromString("38.00"), HasSettlement: true, ResultText: "Win"}},
		},
	}
	r := NewReconciler(fakeSessions{}, client, wagers, wagers, 4)
	r.SyncSettlements(context.Background(), []string{"A1", "A2"})

	if rec := wagers.records[okID]; rec.Status != models.WagerSettled {
		t.Errorf("A2 record = %+v, A1 failure must not block it", rec)
	}
}
