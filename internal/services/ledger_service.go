package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/uplinepay/backend/internal/models"
)

// LedgerService owns the append-only record of balance movements. Entries
// are inserted once, inside the transfer engine's transaction, and are never
// updated or deleted afterwards.
type LedgerService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// appendEntryTx writes one ledger row inside an open transaction. The
// bigserial id plus created_at give entries a monotone, timestamp-ordered
// identity.
func (s *LedgerService) appendEntryTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	var commissionAmount sql.NullInt64
	var commissionPercentage sql.NullFloat64
	if entry.Commission != nil {
		commissionAmount = sql.NullInt64{Int64: entry.Commission.Amount, Valid: true}
		commissionPercentage = sql.NullFloat64{Float64: entry.Commission.Percentage, Valid: true}
	}

	entry.CreatedAt = time.Now()
	err := tx.QueryRow(`
		INSERT INTO ledger_entries (sender_id, receiver_id, amount, kind, description, commission_amount, commission_percentage, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.SenderID, entry.ReceiverID, entry.Amount, entry.Kind, entry.Description,
		commissionAmount, commissionPercentage, entry.BalanceBefore, entry.BalanceAfter, entry.CreatedAt).
		Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", classifyStorageError(err))
	}
	return nil
}

// LedgerFilter narrows and pages a ledger query.
type LedgerFilter struct {
	Kind  string
	Page  int
	Limit int
}

// Query returns the page of entries where the account appears as sender or
// receiver, newest first, plus the total match count. The count comes from a
// separate COUNT(*) so pagination metadata never loads all matching rows.
func (s *LedgerService) Query(ctx context.Context, accountID string, filter LedgerFilter) ([]*models.LedgerEntry, int64, error) {
	where := `(sender_id = $1 OR receiver_id = $1)`
	args := []any{accountID}
	if filter.Kind != "" {
		where += ` AND kind = $2`
		args = append(args, filter.Kind)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", classifyStorageError(err))
	}

	offset := (filter.Page - 1) * filter.Limit
	limitArgs := append(args, filter.Limit, offset)
	query := fmt.Sprintf(`
		SELECT id, sender_id, receiver_id, amount, kind, description, commission_amount, commission_percentage, balance_before, balance_after, created_at
		FROM ledger_entries
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, limitArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query ledger entries: %w", classifyStorageError(err))
	}
	defer rows.Close()

	entries := []*models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		var commissionAmount sql.NullInt64
		var commissionPercentage sql.NullFloat64
		err := rows.Scan(&entry.ID, &entry.SenderID, &entry.ReceiverID, &entry.Amount, &entry.Kind,
			&entry.Description, &commissionAmount, &commissionPercentage,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scan ledger entry: %w", classifyStorageError(err))
		}
		if commissionAmount.Valid {
			entry.Commission = &models.Commission{
				Amount:     commissionAmount.Int64,
				Percentage: commissionPercentage.Float64,
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ledger rows: %w", classifyStorageError(err))
	}
	return entries, total, nil
}

// GetTransactionHistory lists the caller's ledger entries
// @Summary Get transaction history
// @Description Paginated ledger entries where the caller is sender or receiver, newest first
// @Tags balance
// @Produce json
// @Param page query int false "Page number (default 1)"
// @Param limit query int false "Page size (default 10, max 100)"
// @Param type query string false "Filter by entry kind (debit, credit, commission)"
// @Success 200 {object} object{items=[]models.LedgerEntry,pagination=Pagination}
// @Failure 400 {object} ErrorResponse
// @Router /balance/transactions [get]
func (s *LedgerService) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	filter := LedgerFilter{Page: 1, Limit: 10, Kind: r.URL.Query().Get("type")}
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil {
			filter.Page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}

	var params struct {
		Page  int    `validate:"min=1"`
		Limit int    `validate:"min=1,max=100"`
		Kind  string `validate:"omitempty,oneof=debit credit commission"`
	}
	params.Page, params.Limit, params.Kind = filter.Page, filter.Limit, filter.Kind
	if err := s.validator.ValidateStruct(&params); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entries, total, err := s.Query(r.Context(), accountID, filter)
	if err != nil {
		log.Printf("[LEDGER] History query failed for %s: %v", accountID, err)
		SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"items":      entries,
		"pagination": newPagination(filter.Page, filter.Limit, total),
	})
}
