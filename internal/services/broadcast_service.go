package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

// BroadcastService manages admin announcements shown to every user.
type BroadcastService struct {
	db        *sql.DB
	events    *events.Publisher
	validator *ValidationHelper
}

func NewBroadcastService(db *sql.DB, pub *events.Publisher) *BroadcastService {
	return &BroadcastService{db: db, events: pub, validator: NewValidationHelper()}
}

// BroadcastRequest is the admin payload for posting an announcement.
type BroadcastRequest struct {
	Title     string     `json:"title" validate:"required,min=1,max=120"`
	Content   string     `json:"content" validate:"required,min=1,max=4000"`
	Type      string     `json:"type" validate:"required,oneof=info warning maintenance"`
	Priority  int        `json:"priority" validate:"gte=0,lte=10"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateBroadcast posts a new announcement
// @Summary Post an announcement
// @Tags admin
// @Accept json
// @Produce json
// @Param request body BroadcastRequest true "Announcement"
// @Success 201 {object} models.Broadcast
// @Failure 400 {object} ErrorResponse
// @Router /admin/broadcasts [post]
func (s *BroadcastService) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	var req BroadcastRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	broadcast := models.Broadcast{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Content:   req.Content,
		Type:      req.Type,
		Priority:  req.Priority,
		CreatedBy: accountID,
		CreatedAt: time.Now(),
		ExpiresAt: req.ExpiresAt,
	}

	_, err := s.db.Exec(`
		INSERT INTO broadcasts (id, title, content, type, priority, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		broadcast.ID, broadcast.Title, broadcast.Content, broadcast.Type,
		broadcast.Priority, broadcast.CreatedBy, broadcast.CreatedAt, broadcast.ExpiresAt)
	if err != nil {
		log.Printf("[BROADCAST] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to post broadcast", http.StatusInternalServerError, nil)
		return
	}

	s.events.Publish(events.SubjectBroadcastPosted, broadcast)

	log.Printf("[BROADCAST] %s posted %q (%s)", accountID, broadcast.Title, broadcast.Type)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(broadcast)
}

// ListBroadcasts returns current announcements, newest and highest priority first
// @Summary List announcements
// @Tags broadcasts
// @Produce json
// @Success 200 {object} object{broadcasts=[]models.Broadcast,count=int}
// @Router /broadcasts [get]
func (s *BroadcastService) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, title, content, type, priority, created_by, created_at, expires_at
		FROM broadcasts
		WHERE expires_at IS NULL OR expires_at > NOW()
		ORDER BY priority DESC, created_at DESC`)
	if err != nil {
		log.Printf("[BROADCAST] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch broadcasts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	broadcasts := []models.Broadcast{}
	for rows.Next() {
		var b models.Broadcast
		if err := rows.Scan(&b.ID, &b.Title, &b.Content, &b.Type, &b.Priority,
			&b.CreatedBy, &b.CreatedAt, &b.ExpiresAt); err != nil {
			SendErrorResponse(w, "Failed to fetch broadcasts", http.StatusInternalServerError, nil)
			return
		}
		broadcasts = append(broadcasts, b)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"broadcasts": broadcasts,
		"count":      len(broadcasts),
	})
}

// DeleteBroadcast removes an announcement
// @Summary Delete an announcement
// @Tags admin
// @Produce json
// @Param id path string true "Broadcast ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /admin/broadcasts/{id} [delete]
func (s *BroadcastService) DeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.db.Exec(`DELETE FROM broadcasts WHERE id = $1`, id)
	if err != nil {
		log.Printf("[BROADCAST] Delete %s failed: %v", id, err)
		SendErrorResponse(w, "Failed to delete broadcast", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Broadcast not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[BROADCAST] Broadcast %s deleted", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}
