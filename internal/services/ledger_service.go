package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ffglory/backend/internal/audit"
	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

// CreditLedgerService is the sole writer of account balances. Every
// adjustment is a single atomic read-modify-write: the account row is
// locked for the duration of the transaction, so concurrent adjustments to
// the same account serialize while different accounts proceed in parallel.
//
// The service is stateless about intent. Callers identify the business
// event with eventID; a repeated delivery of the same event is detected via
// the ledger_entries table and performs no further adjustment.
type CreditLedgerService struct {
	db     *sql.DB
	events *events.Publisher
	audit  *audit.Logger
}

func NewCreditLedgerService(db *sql.DB, pub *events.Publisher) *CreditLedgerService {
	return &CreditLedgerService{
		db:     db,
		events: pub,
		audit:  audit.NewLogger(),
	}
}

type lockedBalance struct {
	ID      string
	Balance int64
	Version int
}

func creditColumn(ct models.CreditType) string {
	if ct == models.CreditPremium {
		return "premium_credits"
	}
	return "basic_credits"
}

// Adjust applies delta (negative for debits) to one balance of one account
// and returns the new balance. A debit that would drive the balance below
// zero fails with ErrInsufficientFunds and leaves the balance unchanged.
func (s *CreditLedgerService) Adjust(accountID string, creditType models.CreditType, delta int64, eventID string) (int64, error) {
	if !creditType.Valid() {
		return 0, fmt.Errorf("unknown credit type %q", creditType)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	account, err := s.lockBalance(tx, accountID, creditType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	applied, err := s.eventApplied(tx, eventID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if applied {
		// Duplicate delivery of the same business event: the stored
		// balance already includes this delta.
		log.Printf("[LEDGER] Duplicate event %s for account %s, no adjustment", eventID, accountID)
		return account.Balance, nil
	}

	newBalance := account.Balance + delta
	if newBalance < 0 {
		return 0, ErrInsufficientFunds
	}

	if err := s.createLedgerEntry(tx, eventID, accountID, creditType, delta, newBalance); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := s.updateBalance(tx, accountID, creditType, newBalance, account.Version); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.events.Publish(events.SubjectLedgerAdjusted, events.LedgerEvent{
		EventID:    eventID,
		AccountID:  accountID,
		CreditType: string(creditType),
		Amount:     delta,
		Balance:    newBalance,
		CreatedAt:  time.Now(),
	})

	return newBalance, nil
}

// AdjustRetried wraps Adjust with bounded exponential backoff on transient
// failures. Business-rule errors pass through immediately.
func (s *CreditLedgerService) AdjustRetried(ctx context.Context, accountID string, creditType models.CreditType, delta int64, eventID string) (int64, error) {
	var balance int64
	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		balance, err = s.Adjust(accountID, creditType, delta, eventID)
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return balance, err
}

// Balances reads both balances of an account.
func (s *CreditLedgerService) Balances(accountID string) (basic, premium int64, err error) {
	err = s.db.QueryRow(`
		SELECT basic_credits, premium_credits FROM accounts WHERE id = $1`,
		accountID).Scan(&basic, &premium)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return basic, premium, nil
}

func (s *CreditLedgerService) lockBalance(tx *sql.Tx, accountID string, ct models.CreditType) (*lockedBalance, error) {
	var account lockedBalance
	query := fmt.Sprintf(`
		SELECT id, %s, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, creditColumn(ct))
	err := tx.QueryRow(query, accountID).Scan(&account.ID, &account.Balance, &account.Version)
	return &account, err
}

func (s *CreditLedgerService) eventApplied(tx *sql.Tx, eventID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE event_id = $1)`,
		eventID).Scan(&exists)
	return exists, err
}

func (s *CreditLedgerService) createLedgerEntry(tx *sql.Tx, eventID, accountID string, ct models.CreditType, amount, balance int64) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (event_id, account_id, credit_type, amount, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		eventID, accountID, string(ct), amount, balance, time.Now())
	return err
}

func (s *CreditLedgerService) updateBalance(tx *sql.Tx, accountID string, ct models.CreditType, newBalance int64, version int) error {
	query := fmt.Sprintf(`
		UPDATE accounts
		SET %s = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`, creditColumn(ct))
	result, err := tx.Exec(query, newBalance, time.Now(), accountID, version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrConflict, accountID)
	}

	return nil
}
