package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ffglory/backend/internal/models"
)

// InvitationService issues single-use registration codes. Consumption
// happens in AuthService during registration.
type InvitationService struct {
	db *sql.DB
}

func NewInvitationService(db *sql.DB) *InvitationService {
	return &InvitationService{db: db}
}

// GenerateInvitation creates a new single-use invite code
// @Summary Generate an invite code
// @Tags admin
// @Produce json
// @Success 201 {object} models.Invitation
// @Router /admin/invitations [post]
func (s *InvitationService) GenerateInvitation(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	invitation := models.Invitation{
		Code:      "INV-" + randomCode(8),
		CreatedBy: accountID,
		CreatedAt: time.Now(),
	}

	_, err := s.db.Exec(`
		INSERT INTO invitations (code, created_by, is_used, created_at)
		VALUES ($1, $2, FALSE, $3)`,
		invitation.Code, invitation.CreatedBy, invitation.CreatedAt)
	if err != nil {
		log.Printf("[INVITE] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to generate invitation", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[INVITE] Code %s generated by %s", invitation.Code, accountID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(invitation)
}

// ListInvitations returns all invite codes
// @Summary List invite codes
// @Tags admin
// @Produce json
// @Success 200 {object} object{invitations=[]models.Invitation,count=int}
// @Router /admin/invitations [get]
func (s *InvitationService) ListInvitations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT code, created_by, is_used, used_by, created_at, used_at
		FROM invitations ORDER BY created_at DESC`)
	if err != nil {
		log.Printf("[INVITE] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch invitations", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	invitations := []models.Invitation{}
	for rows.Next() {
		var inv models.Invitation
		var usedBy sql.NullString
		if err := rows.Scan(&inv.Code, &inv.CreatedBy, &inv.IsUsed, &usedBy,
			&inv.CreatedAt, &inv.UsedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch invitations", http.StatusInternalServerError, nil)
			return
		}
		inv.UsedBy = usedBy.String
		invitations = append(invitations, inv)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"invitations": invitations,
		"count":       len(invitations),
	})
}
