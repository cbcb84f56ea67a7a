package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ffglory/backend/internal/models"
)

// RegionService serves the region catalog. The region's tier decides which
// credit type a launch debits, so the catalog is admin-managed.
type RegionService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewRegionService(db *sql.DB) *RegionService {
	return &RegionService{db: db, validator: NewValidationHelper()}
}

// RegionRequest is the admin payload for creating or updating a region.
type RegionRequest struct {
	Name    string `json:"name" validate:"required,min=2,max=64"`
	Tier    string `json:"tier" validate:"required,oneof=basic premium"`
	Enabled *bool  `json:"enabled" validate:"required"`
}

// ListRegions returns regions available for launching
// @Summary List enabled regions
// @Tags regions
// @Produce json
// @Success 200 {object} object{regions=[]models.Region,count=int}
// @Router /regions [get]
func (s *RegionService) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.fetchRegions(`WHERE enabled = TRUE`)
	if err != nil {
		log.Printf("[REGION] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch regions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"regions": regions,
		"count":   len(regions),
	})
}

// AdminListRegions returns every region including disabled ones
// @Summary List all regions
// @Tags admin
// @Produce json
// @Success 200 {object} object{regions=[]models.Region,count=int}
// @Router /admin/regions [get]
func (s *RegionService) AdminListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.fetchRegions(``)
	if err != nil {
		log.Printf("[REGION] Admin list failed: %v", err)
		SendErrorResponse(w, "Failed to fetch regions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"regions": regions,
		"count":   len(regions),
	})
}

// UpsertRegion creates or replaces a region
// @Summary Create or update a region
// @Description Tier changes affect future launches only; groups keep the credit type recorded at launch
// @Tags admin
// @Accept json
// @Produce json
// @Param code path string true "Region code"
// @Param request body RegionRequest true "Region definition"
// @Success 200 {object} models.Region
// @Failure 400 {object} ErrorResponse
// @Router /admin/regions/{code} [put]
func (s *RegionService) UpsertRegion(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "code"))

	var req RegionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	region := models.Region{
		Code:    code,
		Name:    req.Name,
		Tier:    req.Tier,
		Enabled: *req.Enabled,
	}

	_, err := s.db.Exec(`
		INSERT INTO regions (code, name, tier, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = $2, tier = $3, enabled = $4`,
		region.Code, region.Name, region.Tier, region.Enabled)
	if err != nil {
		log.Printf("[REGION] Upsert %s failed: %v", code, err)
		SendErrorResponse(w, "Failed to save region", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[REGION] Region %s saved (tier %s, enabled %v)", code, region.Tier, region.Enabled)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(region)
}

// DeleteRegion removes a region from the catalog
// @Summary Delete a region
// @Description Existing groups are unaffected; they carry their credit type on the record
// @Tags admin
// @Produce json
// @Param code path string true "Region code"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /admin/regions/{code} [delete]
func (s *RegionService) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "code"))

	result, err := s.db.Exec(`DELETE FROM regions WHERE code = $1`, code)
	if err != nil {
		log.Printf("[REGION] Delete %s failed: %v", code, err)
		SendErrorResponse(w, "Failed to delete region", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Region not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[REGION] Region %s deleted", code)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *RegionService) fetchRegions(where string) ([]models.Region, error) {
	rows, err := s.db.Query(`SELECT code, name, tier, enabled FROM regions ` + where + ` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regions := []models.Region{}
	for rows.Next() {
		var region models.Region
		if err := rows.Scan(&region.Code, &region.Name, &region.Tier, &region.Enabled); err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}

	return regions, rows.Err()
}
