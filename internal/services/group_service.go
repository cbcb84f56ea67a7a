package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

// GroupService owns the group state machine:
//
//	(none) ──launch──► pending ──approve──► running ──stop──► stopped
//	                      │
//	                      └──reject/cancel──► rejected/canceled (+refund)
//
// Launch debits one credit before the record exists; reject and cancel
// refund that credit; stop does not, because a running group consumed it.
type GroupService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	events    *events.Publisher
	validator *ValidationHelper
}

func NewGroupService(db *sql.DB, ledger *CreditLedgerService, pub *events.Publisher) *GroupService {
	return &GroupService{
		db:        db,
		ledger:    ledger,
		events:    pub,
		validator: NewValidationHelper(),
	}
}

// LaunchRequest is the payload for launching a new group.
type LaunchRequest struct {
	Region string `json:"region" validate:"required,min=2,max=8"`
	ClanID string `json:"clan_id" validate:"required,min=1,max=32"`
}

// YieldReport is the payload posted by the automation backend.
type YieldReport struct {
	GloryFarmed int64 `json:"glory_farmed" validate:"gte=0"`
}

// LaunchGroup creates a new group request
// @Summary Launch a new group
// @Description Debit one credit of the region's tier and create a pending group request
// @Tags groups
// @Accept json
// @Produce json
// @Param request body LaunchRequest true "Launch request"
// @Success 201 {object} models.Group
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /groups [post]
func (s *GroupService) LaunchGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req LaunchRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	group, err := s.Launch(r.Context(), accountID, strings.ToLower(req.Region), req.ClanID)
	if err != nil {
		log.Printf("[GROUP] Launch failed for account %s in %s: %v", accountID, req.Region, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[GROUP] Launch request %s created for account %s (region %s, %s credit)",
		group.GroupID, accountID, group.Region, group.CreditType)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

// Launch debits one credit of the region's tier, then creates the group in
// pending. The debit and the insert cross a store boundary, so a failed
// insert triggers a compensating credit retried to completion.
func (s *GroupService) Launch(ctx context.Context, accountID, regionCode, clanID string) (*models.Group, error) {
	region, err := s.fetchRegion(regionCode)
	if err != nil {
		return nil, err
	}
	if !region.Enabled {
		return nil, fmt.Errorf("%w: region %s is disabled", ErrNotFound, regionCode)
	}

	quota, err := s.fetchQuota(accountID)
	if err != nil {
		return nil, err
	}
	active, err := s.activeCount(accountID)
	if err != nil {
		return nil, err
	}
	if active >= quota {
		return nil, fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, active, quota)
	}

	group := &models.Group{
		ID:         uuid.NewString(),
		GroupID:    "GRP-" + randomCode(8),
		AccountID:  accountID,
		ClanID:     clanID,
		Region:     region.Code,
		RegionName: region.Name,
		CreditType: region.CreditType(),
		Status:     models.GroupStatusPending,
		CreatedAt:  time.Now(),
	}

	if _, err := s.ledger.AdjustRetried(ctx, accountID, group.CreditType, -1, "launch:"+group.ID); err != nil {
		return nil, err
	}

	inserted, err := s.insertGroup(group)
	if err != nil {
		log.Printf("[GROUP] Insert failed after debit for %s, issuing compensating credit: %v", group.GroupID, err)
		s.compensate(accountID, group.CreditType, "launch-compensate:"+group.ID)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !inserted {
		// A concurrent launch filled the last quota slot between the count
		// and the insert; the insert guard caught it, so undo the debit.
		log.Printf("[GROUP] Quota filled during launch for account %s, issuing compensating credit", accountID)
		s.compensate(accountID, group.CreditType, "launch-compensate:"+group.ID)
		return nil, fmt.Errorf("%w: quota filled during launch", ErrQuotaExceeded)
	}

	s.events.Publish(events.SubjectGroupChanged, events.GroupEvent{
		GroupID:   group.GroupID,
		AccountID: accountID,
		Status:    group.Status,
		CreatedAt: time.Now(),
	})

	return group, nil
}

// ApproveGroup transitions a pending group to running
// @Summary Approve a group request
// @Tags admin
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/groups/{id}/approve [post]
func (s *GroupService) ApproveGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.Approve(id); err != nil {
		log.Printf("[GROUP] Approve %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[GROUP] Group %s approved", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.GroupStatusRunning})
}

// Approve moves pending to running. The status guard makes a concurrent
// cancel or reject lose the race cleanly.
func (s *GroupService) Approve(id string) error {
	claimed, err := s.claimTransition(id, models.GroupStatusPending, models.GroupStatusRunning, "approved_at")
	if err != nil {
		return err
	}
	s.publishTransition(claimed, models.GroupStatusRunning)
	return nil
}

// RejectGroup rejects a pending group and refunds the credit
// @Summary Reject a group request
// @Tags admin
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/groups/{id}/reject [post]
func (s *GroupService) RejectGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.Reject(id); err != nil {
		log.Printf("[GROUP] Reject %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[GROUP] Group %s rejected, credit refunded", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.GroupStatusRejected})
}

// Reject moves pending to rejected and refunds one credit of the type
// recorded at launch. Claiming the transition first means a duplicate
// reject observes the record already terminal and refunds nothing.
func (s *GroupService) Reject(id string) error {
	claimed, err := s.claimTransition(id, models.GroupStatusPending, models.GroupStatusRejected, "rejected_at")
	if err != nil {
		return err
	}
	s.refund(claimed)
	s.publishTransition(claimed, models.GroupStatusRejected)
	return nil
}

// CancelGroup cancels the caller's own pending group
// @Summary Cancel a pending group request
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /groups/{id}/cancel [post]
func (s *GroupService) CancelGroup(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)
	id := chi.URLParam(r, "id")

	if err := s.Cancel(id, accountID); err != nil {
		log.Printf("[GROUP] Cancel %s by %s failed: %v", id, accountID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[GROUP] Group %s canceled by owner, credit refunded", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.GroupStatusCanceled})
}

// Cancel is the owner-side counterpart of Reject.
func (s *GroupService) Cancel(id, ownerID string) error {
	if err := s.requireOwner(id, ownerID); err != nil {
		return err
	}
	claimed, err := s.claimTransition(id, models.GroupStatusPending, models.GroupStatusCanceled, "canceled_at")
	if err != nil {
		return err
	}
	s.refund(claimed)
	s.publishTransition(claimed, models.GroupStatusCanceled)
	return nil
}

// StopGroup stops a running group, no refund
// @Summary Stop a running group
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /groups/{id}/stop [post]
func (s *GroupService) StopGroup(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)
	role, _ := r.Context().Value("role").(string)
	id := chi.URLParam(r, "id")

	if role != models.RoleAdmin {
		if err := s.requireOwner(id, accountID); err != nil {
			SendServiceError(w, err)
			return
		}
	}

	if err := s.Stop(id); err != nil {
		log.Printf("[GROUP] Stop %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[GROUP] Group %s stopped", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.GroupStatusStopped})
}

// Stop moves running to stopped. The credit was consumed by usage, so there
// is no ledger effect.
func (s *GroupService) Stop(id string) error {
	claimed, err := s.claimTransition(id, models.GroupStatusRunning, models.GroupStatusStopped, "stopped_at")
	if err != nil {
		return err
	}
	s.publishTransition(claimed, models.GroupStatusStopped)
	return nil
}

// ReportYield accepts accumulated yield from the automation backend
// @Summary Report accumulated glory for a running group
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param report body YieldReport true "Yield report"
// @Success 200 {object} map[string]int64
// @Failure 409 {object} ErrorResponse
// @Router /groups/{id}/yield [post]
func (s *GroupService) ReportYield(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var report YieldReport
	if err := DecodeJSONBody(w, r, &report); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&report); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.RecordYield(id, report.GloryFarmed); err != nil {
		log.Printf("[GROUP] Yield report for %s rejected: %v", id, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"glory_farmed": report.GloryFarmed})
}

// RecordYield stores an accumulated yield value. Only running groups accept
// reports and the counter is monotonically non-decreasing; a lower value
// indicates corrupted reporting and is rejected.
func (s *GroupService) RecordYield(id string, gloryFarmed int64) error {
	result, err := s.db.Exec(`
		UPDATE groups
		SET glory_farmed = $1
		WHERE id = $2 AND status = $3 AND glory_farmed <= $1`,
		gloryFarmed, id, models.GroupStatusRunning)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	var current int64
	err = s.db.QueryRow(`SELECT status, glory_farmed FROM groups WHERE id = $1`, id).
		Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if status != models.GroupStatusRunning {
		return fmt.Errorf("%w: group is %s", ErrInvalidTransition, status)
	}
	return fmt.Errorf("%w: reported %d, recorded %d", ErrYieldRegression, gloryFarmed, current)
}

// ListActiveGroups returns the caller's pending and running groups
// @Summary List own active groups
// @Tags groups
// @Produce json
// @Success 200 {object} object{groups=[]models.Group,count=int}
// @Router /groups [get]
func (s *GroupService) ListActiveGroups(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groups, err := s.fetchGroups(`WHERE account_id = $1 AND status IN ('pending', 'running')`, accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch groups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// GroupHistory returns the caller's terminal groups
// @Summary List own finished groups
// @Tags groups
// @Produce json
// @Success 200 {object} object{groups=[]models.Group,count=int}
// @Router /groups/history [get]
func (s *GroupService) GroupHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groups, err := s.fetchGroups(`WHERE account_id = $1 AND status IN ('stopped', 'rejected', 'canceled')`, accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch groups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// AdminListGroups returns all groups with an optional status filter
// @Summary List all groups
// @Tags admin
// @Produce json
// @Param status query string false "Filter by status"
// @Success 200 {object} object{groups=[]models.Group,count=int}
// @Router /admin/groups [get]
func (s *GroupService) AdminListGroups(w http.ResponseWriter, r *http.Request) {
	var groups []models.Group
	var err error

	if status := r.URL.Query().Get("status"); status != "" {
		groups, err = s.fetchGroups(`WHERE status = $1`, status)
	} else {
		groups, err = s.fetchGroups(``)
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch groups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// Internal helpers

type claimedGroup struct {
	ID         string
	GroupID    string
	AccountID  string
	CreditType models.CreditType
}

// claimTransition performs the guarded status change. Zero rows affected
// means the record was not in the required source state: either it does not
// exist or another writer got there first.
func (s *GroupService) claimTransition(id, from, to, stampColumn string) (*claimedGroup, error) {
	var claimed claimedGroup
	query := fmt.Sprintf(`
		UPDATE groups
		SET status = $1, %s = $2
		WHERE id = $3 AND status = $4
		RETURNING id, group_id, account_id, credit_type`, stampColumn)
	err := s.db.QueryRow(query, to, time.Now(), id, from).
		Scan(&claimed.ID, &claimed.GroupID, &claimed.AccountID, &claimed.CreditType)
	if err == nil {
		return &claimed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var status string
	err = s.db.QueryRow(`SELECT status FROM groups WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil, fmt.Errorf("%w: group is %s, wanted %s", ErrInvalidTransition, status, from)
}

// refund credits one unit of the type stored on the group record at launch.
// Leaving a claimed rejection without its refund is a silent fund loss, so
// the adjustment is retried to completion and logged if it cannot land.
func (s *GroupService) refund(claimed *claimedGroup) {
	s.compensate(claimed.AccountID, claimed.CreditType, "refund:"+claimed.ID)
}

func (s *GroupService) compensate(accountID string, ct models.CreditType, eventID string) {
	ctx := context.Background()
	backoff := retry.WithMaxRetries(10, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.ledger.Adjust(accountID, ct, 1, eventID)
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.Printf("[GROUP] CREDIT LOSS: compensating credit %s for account %s did not complete: %v",
			eventID, accountID, err)
	}
}

func (s *GroupService) requireOwner(id, accountID string) error {
	var owner string
	err := s.db.QueryRow(`SELECT account_id FROM groups WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if owner != accountID {
		return ErrNotFound
	}
	return nil
}

func (s *GroupService) fetchRegion(code string) (*models.Region, error) {
	var region models.Region
	err := s.db.QueryRow(`
		SELECT code, name, tier, enabled FROM regions WHERE code = $1`, code).
		Scan(&region.Code, &region.Name, &region.Tier, &region.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: region %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &region, nil
}

func (s *GroupService) fetchQuota(accountID string) (int, error) {
	var quota int
	err := s.db.QueryRow(`SELECT max_groups FROM accounts WHERE id = $1`, accountID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return quota, nil
}

func (s *GroupService) activeCount(accountID string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM groups
		WHERE account_id = $1 AND status IN ('pending', 'running')`,
		accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// insertGroup persists the pending group. The quota subquery re-checks the
// active count inside the statement, so two launches racing past the
// pre-check cannot both land; false means the guard rejected the row.
func (s *GroupService) insertGroup(g *models.Group) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO groups (id, group_id, account_id, clan_id, region, region_name, credit_type, status, glory_farmed, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE (SELECT COUNT(*) FROM groups WHERE account_id = $3 AND status IN ('pending', 'running'))
		    < (SELECT max_groups FROM accounts WHERE id = $3)`,
		g.ID, g.GroupID, g.AccountID, g.ClanID, g.Region, g.RegionName,
		string(g.CreditType), g.Status, g.GloryFarmed, g.CreatedAt)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (s *GroupService) fetchGroups(where string, args ...any) ([]models.Group, error) {
	query := `
		SELECT id, group_id, account_id, clan_id, region, region_name, credit_type,
		       status, glory_farmed, created_at, approved_at, stopped_at, rejected_at, canceled_at
		FROM groups ` + where + ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []models.Group{}
	for rows.Next() {
		var g models.Group
		err := rows.Scan(
			&g.ID, &g.GroupID, &g.AccountID, &g.ClanID, &g.Region, &g.RegionName,
			&g.CreditType, &g.Status, &g.GloryFarmed, &g.CreatedAt,
			&g.ApprovedAt, &g.StoppedAt, &g.RejectedAt, &g.CanceledAt,
		)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (s *GroupService) publishTransition(claimed *claimedGroup, status string) {
	s.events.Publish(events.SubjectGroupChanged, events.GroupEvent{
		GroupID:   claimed.GroupID,
		AccountID: claimed.AccountID,
		Status:    status,
		CreatedAt: time.Now(),
	})
}
