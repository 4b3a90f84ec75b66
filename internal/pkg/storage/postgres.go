package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Vodeneev/betagent/internal/pkg/models"
)

// PostgresStore backs the account records, the wager ledger and the refund
// ledger with one PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

var _ AccountStore = (*PostgresStore)(nil)
var _ WagerStore = (*PostgresStore)(nil)
var _ RefundLedger = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(100) PRIMARY KEY,
		login_id VARCHAR(100) NOT NULL,
		password VARCHAR(100) NOT NULL,
		passcode VARCHAR(10) NOT NULL DEFAULT '',
		line_key VARCHAR(100) NOT NULL DEFAULT '',
		proxy_url VARCHAR(500) NOT NULL DEFAULT '',
		device VARCHAR(20) NOT NULL DEFAULT 'desktop',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS wagers (
		id BIGSERIAL PRIMARY KEY,
		account_id VARCHAR(100) NOT NULL,
		match_id VARCHAR(100) NOT NULL,
		ticket_id VARCHAR(100),
		stake DECIMAL(14, 2) NOT NULL,
		payout DECIMAL(14, 2) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		outcome VARCHAR(50) NOT NULL DEFAULT '',
		placed_at TIMESTAMP NOT NULL,
		settled_at TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wagers_ticket_id ON wagers(ticket_id) WHERE ticket_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_wagers_account_status ON wagers(account_id, status);

	CREATE TABLE IF NOT EXISTS refunds (
		id BIGSERIAL PRIMARY KEY,
		account_id VARCHAR(100) NOT NULL,
		ticket_id VARCHAR(100) NOT NULL UNIQUE,
		amount DECIMAL(14, 2) NOT NULL,
		issued_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.AccountCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login_id, password, passcode, line_key, proxy_url, device, enabled
		FROM accounts WHERE id = $1`, id)

	cred, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) ListEnabledAccounts(ctx context.Context) ([]models.AccountCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, login_id, password, passcode, line_key, proxy_url, device, enabled
		FROM accounts WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var creds []models.AccountCredential
	for rows.Next() {
		cred, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.AccountCredential, error) {
	var cred models.AccountCredential
	var device string
	if err := row.Scan(&cred.ID, &cred.LoginID, &cred.Password, &cred.Passcode,
		&cred.LineKey, &cred.ProxyURL, &device, &cred.Enabled); err != nil {
		return nil, err
	}
	cred.Device = models.DeviceProfile(device)
	return &cred, nil
}

func (s *PostgresStore) UpdatePasscode(ctx context.Context, id, passcode string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET passcode = $1, updated_at = NOW() WHERE id = $2`, passcode, id)
	if err != nil {
		return fmt.Errorf("failed to update passcode: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCredentials(ctx context.Context, id, loginID, password string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET login_id = $1, password = $2, updated_at = NOW() WHERE id = $3`,
		loginID, password, id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateWager(ctx context.Context, w *models.WagerRecord) error {
	ticket := sql.NullString{String: w.TicketID, Valid: w.TicketID != ""}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wagers (account_id, match_id, ticket_id, stake, payout, status, outcome, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		w.AccountID, w.MatchID, ticket, w.Stake.String(), w.Payout.String(),
		string(w.Status), w.Outcome, w.PlacedAt).Scan(&w.LocalID)
	if err != nil {
		return fmt.Errorf("failed to create wager: %w", err)
	}
	return nil
}

func (s *PostgresStore) OpenWagers(ctx context.Context, accountID string) ([]models.WagerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, match_id, ticket_id, stake, payout, status, outcome, placed_at, settled_at
		FROM wagers
		WHERE account_id = $1 AND status IN ('pending', 'confirmed')
		ORDER BY placed_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open wagers: %w", err)
	}
	defer rows.Close()

	var wagers []models.WagerRecord
	for rows.Next() {
		var w models.WagerRecord
		var ticket sql.NullString
		var stake, payout string
		var status string
		var settledAt sql.NullTime
		if err := rows.Scan(&w.LocalID, &w.AccountID, &w.MatchID, &ticket,
			&stake, &payout, &status, &w.Outcome, &w.PlacedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("failed to scan wager: %w", err)
		}
		w.TicketID = ticket.String
		w.Status = models.SettlementStatus(status)
		if settledAt.Valid {
			w.SettledAt = settledAt.Time
		}
		if w.Stake, err = decimal.NewFromString(stake); err != nil {
			return nil, fmt.Errorf("invalid stake %q: %w", stake, err)
		}
		if w.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, fmt.Errorf("invalid payout %q: %w", payout, err)
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

func (s *PostgresStore) TicketIDs(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_id FROM wagers WHERE account_id = $1 AND ticket_id IS NOT NULL`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AttachTicket(ctx context.Context, localID int64, ticketID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wagers SET ticket_id = $1, status = $2 WHERE id = $3`,
		ticketID, string(models.WagerConfirmed), localID)
	if err != nil {
		return fmt.Errorf("failed to attach ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSettled(ctx context.Context, localID int64, payout decimal.Decimal, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wagers SET status = $1, payout = $2, outcome = $3, settled_at = NOW() WHERE id = $4`,
		string(models.WagerSettled), payout.String(), outcome, localID)
	if err != nil {
		return fmt.Errorf("failed to mark wager settled: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, localID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wagers SET status = $1, settled_at = NOW() WHERE id = $2`,
		string(models.WagerCancelled), localID)
	if err != nil {
		return fmt.Errorf("failed to mark wager cancelled: %w", err)
	}
	return nil
}

// IssueRefund records the refund exactly once per ticket. The unique index on
// ticket_id makes concurrent reconcile passes collapse to one refund row.
func (s *PostgresStore) IssueRefund(ctx context.Context, accountID, ticketID string, amount decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (account_id, ticket_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticket_id) DO NOTHING`,
		accountID, ticketID, amount.String())
	if err != nil {
		return false, fmt.Errorf("failed to issue refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refund result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
