package services

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/ffglory/backend/internal/models"
)

// AuthService handles registration, login and session invalidation.
// Passwords are hashed with argon2id; sessions are stateless JWTs with a
// redis blacklist for explicit logout.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewAuthService(db *sql.DB, rdb *redis.Client) *AuthService {
	return &AuthService{db: db, redis: rdb, validator: NewValidationHelper()}
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	tokenTTL = 24 * time.Hour

	defaultMaxGroups = 5
)

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Username   string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password   string `json:"password" validate:"required,min=8,max=72"`
	InviteCode string `json:"invite_code" validate:"omitempty,min=4,max=32"`
}

// LoginRequest is the payload for authenticating.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register creates a new account
// @Summary Register an account
// @Description New accounts start with zero credits and the default group quota
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account := &models.Account{
		ID:        uuid.NewString(),
		Username:  strings.ToLower(req.Username),
		Role:      models.RoleUser,
		MaxGroups: defaultMaxGroups,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed: %v", err)
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}

	if req.InviteCode != "" {
		if err := s.consumeInvitation(req.InviteCode, account.ID); err != nil {
			log.Printf("[AUTH] Invite code rejected for %s: %v", account.Username, err)
			SendServiceError(w, err)
			return
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, username, password, role, basic_credits, premium_credits, max_groups, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, 1, $6, $6)`,
		account.ID, account.Username, hash, account.Role, account.MaxGroups, account.CreatedAt)
	if err != nil {
		// The invitation was consumed before the insert; hand the single-use
		// code back so a failed registration does not burn it.
		if req.InviteCode != "" {
			s.releaseInvitation(req.InviteCode, account.ID)
		}
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			SendErrorResponse(w, "Username already taken", http.StatusConflict, nil)
			return
		}
		log.Printf("[AUTH] Account insert failed: %v", err)
		SendErrorResponse(w, "Registration failed", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Account %s registered (%s)", account.Username, account.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// Login authenticates and issues a JWT
// @Summary Log in
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var id, storedHash, role string
	err := s.db.QueryRow(`
		SELECT id, password, role FROM accounts WHERE username = $1`,
		strings.ToLower(req.Username)).Scan(&id, &storedHash, &role)
	if errors.Is(err, sql.ErrNoRows) {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		log.Printf("[AUTH] Login lookup failed: %v", err)
		SendErrorResponse(w, "Login failed", http.StatusInternalServerError, nil)
		return
	}

	if !verifyPassword(req.Password, storedHash) {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := issueToken(id, role)
	if err != nil {
		log.Printf("[AUTH] Token issue failed: %v", err)
		SendErrorResponse(w, "Login failed", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Account %s logged in", req.Username)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token": token,
		"role":  role,
	})
}

// Logout blacklists the presented token until it would have expired
// @Summary Log out
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == "" || tokenString == authHeader {
		SendErrorResponse(w, "Missing token", http.StatusBadRequest, nil)
		return
	}

	ttl := tokenTTL
	if claims := parseClaims(tokenString); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if remaining := time.Until(exp.Time); remaining > 0 {
				ttl = remaining
			}
		}
	}

	if s.redis != nil {
		if err := s.redis.Set(r.Context(), "blacklist:"+tokenString, "1", ttl).Err(); err != nil {
			log.Printf("[AUTH] Blacklist write failed: %v", err)
			SendErrorResponse(w, "Logout failed", http.StatusInternalServerError, nil)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "logged out"})
}

// Profile returns the caller's account including balances
// @Summary Get own profile
// @Tags auth
// @Produce json
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /auth/profile [get]
func (s *AuthService) Profile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, username, role, basic_credits, premium_credits, max_groups, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID).
		Scan(&account.ID, &account.Username, &account.Role, &account.BasicCredits,
			&account.PremiumCredits, &account.MaxGroups, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[AUTH] Profile fetch failed: %v", err)
		SendErrorResponse(w, "Failed to fetch profile", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// consumeInvitation marks the code used. The guarded update makes two
// registrations racing on the same code resolve to one winner.
func (s *AuthService) consumeInvitation(code, accountID string) error {
	result, err := s.db.Exec(`
		UPDATE invitations
		SET is_used = TRUE, used_by = $1, used_at = $2
		WHERE code = $3 AND is_used = FALSE`,
		accountID, time.Now(), strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: invite code invalid or already used", ErrNotFound)
	}
	return nil
}

// releaseInvitation undoes a consumption whose registration never completed.
// The used_by guard means only the consumption made for this exact account
// can be rolled back, so a concurrent re-issue is never clobbered.
func (s *AuthService) releaseInvitation(code, accountID string) {
	_, err := s.db.Exec(`
		UPDATE invitations
		SET is_used = FALSE, used_by = NULL, used_at = NULL
		WHERE code = $1 AND used_by = $2`,
		strings.ToUpper(strings.TrimSpace(code)), accountID)
	if err != nil {
		log.Printf("[AUTH] Failed to release invitation %s: %v", code, err)
	}
}

// Password hashing: argon2id in the standard encoded form.

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func verifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	key := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// issueToken signs a session JWT carrying the account id and role.
func issueToken(accountID, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(viper.GetString("jwt.secret")))
}

func parseClaims(tokenString string) jwt.MapClaims {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret")), nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	return claims
}
