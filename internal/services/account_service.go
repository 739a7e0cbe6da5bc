package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/uplinepay/backend/internal/hierarchy"
	"github.com/uplinepay/backend/internal/models"
)

// AccountService is the durable account store. It owns the row-level
// primitives the transfer engine builds on: FOR UPDATE locks and
// version-checked balance writes.
type AccountService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

const accountColumns = `id, username, email, role, parent_id, level, path, balance, commission_earned, is_active, version, created_at, updated_at`

type accountScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row accountScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Role, &a.ParentID, &a.Level, &a.Path,
		&a.Balance, &a.CommissionEarned, &a.IsActive, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount loads one account by id.
func (s *AccountService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch account %s: %w", id, classifyStorageError(err))
	}
	return account, nil
}

// CreateAccountParams describes a new account. Parent is nil only for the
// root account; children derive level and path from their parent.
type CreateAccountParams struct {
	Username     string
	Email        string
	PasswordHash string
	Role         string
	Parent       *models.Account
}

// CreateAccount inserts a new account, rejecting duplicate usernames and
// (case-insensitively) duplicate emails.
func (s *AccountService) CreateAccount(ctx context.Context, params CreateAccountParams) (*models.Account, error) {
	account := &models.Account{
		ID:       uuid.NewString(),
		Username: params.Username,
		Email:    params.Email,
		Role:     params.Role,
		IsActive: true,
		Version:  1,
	}
	if params.Parent != nil {
		account.ParentID = &params.Parent.ID
		account.Level = params.Parent.Level + 1
		account.Path = hierarchy.ChildPath(params.Parent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create account: %w", ErrUnavailable)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM accounts WHERE username = $1 OR LOWER(email) = LOWER($2)
		)`, params.Username, params.Email).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", classifyStorageError(err))
	}
	if exists {
		return nil, ErrDuplicateIdentity
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (id, username, email, password, role, parent_id, level, path, balance, commission_earned, is_active, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, TRUE, 1)
		RETURNING created_at, updated_at`,
		account.ID, account.Username, account.Email, params.PasswordHash, account.Role,
		account.ParentID, account.Level, account.Path).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", classifyStorageError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create account: %w", classifyStorageError(err))
	}
	return account, nil
}

// AdjustBalance applies delta atomically, refusing to drive the balance
// negative. The guard lives in the UPDATE itself so concurrent adjustments
// on the same row cannot race a separate read-modify-write.
func (s *AccountService) AdjustBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var newBalance int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND balance + $1 >= 0
		RETURNING balance`, delta, id).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("adjust balance for %s: %w", id, classifyStorageError(err))
	}

	// Distinguish a missing row from a refused overdraft.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("adjust balance for %s: %w", id, classifyStorageError(err))
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrInsufficientFunds
}

// FindByPathPrefix returns every account whose path starts with prefix as a
// whole segment sequence. Matching `path = prefix` or `path LIKE prefix||'.%'`
// keeps id "12" from capturing a path rooted at id "123".
func (s *AccountService) FindByPathPrefix(ctx context.Context, prefix string) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE path = $1 OR path LIKE $1 || '.%'
		ORDER BY level, created_at`, prefix)
	if err != nil {
		return nil, fmt.Errorf("path prefix query: %w", classifyStorageError(err))
	}
	defer rows.Close()

	accounts := []*models.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", classifyStorageError(err))
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("path prefix rows: %w", classifyStorageError(err))
	}
	return accounts, nil
}

// lockAccountTx reads an account FOR UPDATE inside the given transaction.
// Callers must lock accounts in ascending id order.
func (s *AccountService) lockAccountTx(tx *sql.Tx, id string) (*models.Account, error) {
	row := tx.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	account, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classifyStorageError(err)
	}
	return account, nil
}

// updateBalanceTx writes a locked account's balance and commission total,
// failing with ErrConflict when the row version moved underneath us.
func (s *AccountService) updateBalanceTx(tx *sql.Tx, id string, balance, commissionEarned int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, commission_earned = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4`,
		balance, commissionEarned, id, version)
	if err != nil {
		return classifyStorageError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classifyStorageError(err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, ErrConflict)
	}
	return nil
}

// CreateChildRequest represents the create-child-account payload
// @Description Create child account request
type CreateChildRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// CreateChildAccount creates a direct child of the authenticated account
// @Summary Create a child account
// @Description Create a new account one level below the caller in the hierarchy
// @Tags users
// @Accept json
// @Produce json
// @Param request body CreateChildRequest true "Child account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /users [post]
func (s *AccountService) CreateChildAccount(w http.ResponseWriter, r *http.Request) {
	parentID, _ := r.Context().Value("accountID").(string)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateChildRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	parent, err := s.GetAccount(r.Context(), parentID)
	if err != nil {
		log.Printf("[ACCOUNT] Parent lookup failed for %s: %v", parentID, err)
		SendCoreError(w, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[ACCOUNT] Password hashing failed: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	account, err := s.CreateAccount(r.Context(), CreateAccountParams{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Role:         models.RoleUser,
		Parent:       parent,
	})
	if err != nil {
		log.Printf("[ACCOUNT] Child creation failed under %s: %v", parentID, err)
		SendCoreError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Account %s created under parent %s (level %d)", account.ID, parentID, account.Level)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"account": account,
	})
}

// GetDownline lists the caller's descendants as a nested tree
// @Summary Get downline hierarchy
// @Description List all descendants of the caller, nested by parent
// @Tags users
// @Produce json
// @Success 200 {object} object{downline=[]models.AccountNode,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /users/downline [get]
func (s *AccountService) GetDownline(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	account, err := s.GetAccount(r.Context(), accountID)
	if err != nil {
		SendCoreError(w, err)
		return
	}

	downline, err := s.FindByPathPrefix(r.Context(), hierarchy.DescendantPrefix(account))
	if err != nil {
		log.Printf("[ACCOUNT] Downline query failed for %s: %v", accountID, err)
		SendCoreError(w, err)
		return
	}

	tree, err := hierarchy.BuildTree(accountID, downline)
	if err != nil {
		log.Printf("[ACCOUNT] Downline tree malformed for %s: %v", accountID, err)
		SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"downline": tree,
		"count":    len(downline),
	})
}

// ChangePasswordRequest represents the change-password payload
// @Description Change password request
type ChangePasswordRequest struct {
	AccountID   string `json:"accountId" validate:"required,uuid4"`
	NewPassword string `json:"newPassword" validate:"required,min=6"`
}

// ChangePassword resets a direct child's password
// @Summary Change a child's password
// @Description Reset the password of an immediate child account
// @Tags users
// @Accept json
// @Produce json
// @Param request body ChangePasswordRequest true "Change password request"
// @Success 200 {object} map[string]any
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /users/change-password [put]
func (s *AccountService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	requesterID, _ := r.Context().Value("accountID").(string)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ChangePasswordRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	requester, err := s.GetAccount(r.Context(), requesterID)
	if err != nil {
		SendCoreError(w, err)
		return
	}
	target, err := s.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		SendCoreError(w, err)
		return
	}

	if !CanChangePassword(requester, target) {
		log.Printf("[ACCOUNT] Password change denied: %s is not the parent of %s", requesterID, req.AccountID)
		SendCoreError(w, ErrUnauthorized)
		return
	}

	hashedPassword, err := hashPassword(req.NewPassword)
	if err != nil {
		log.Printf("[ACCOUNT] Password hashing failed: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	_, err = s.db.ExecContext(r.Context(), `
		UPDATE accounts SET password = $1, version = version + 1, updated_at = NOW() WHERE id = $2`,
		hashedPassword, target.ID)
	if err != nil {
		log.Printf("[ACCOUNT] Password update failed for %s: %v", target.ID, err)
		SendCoreError(w, classifyStorageError(err))
		return
	}

	log.Printf("[ACCOUNT] Password changed for %s by parent %s", target.ID, requesterID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": "Password changed successfully",
	})
}

// ListAccounts returns every account, admin only
// @Summary List all accounts
// @Description Flat listing of all accounts in the hierarchy (admin only)
// @Tags users
// @Produce json
// @Success 200 {object} object{accounts=[]models.Account}
// @Failure 403 {object} ErrorResponse
// @Router /users/all [get]
func (s *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	role, _ := r.Context().Value("role").(string)
	if role != models.RoleAdmin {
		SendCoreError(w, ErrUnauthorized)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `SELECT `+accountColumns+` FROM accounts ORDER BY level, created_at`)
	if err != nil {
		log.Printf("[ACCOUNT] Account listing failed: %v", err)
		SendCoreError(w, classifyStorageError(err))
		return
	}
	defer rows.Close()

	accounts := []*models.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			log.Printf("[ACCOUNT] Account scan failed: %v", err)
			SendCoreError(w, classifyStorageError(err))
			return
		}
		accounts = append(accounts, account)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"accounts": accounts,
	})
}
