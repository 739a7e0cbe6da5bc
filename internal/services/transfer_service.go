package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/viper"
	"github.com/uplinepay/backend/internal/hierarchy"
	"github.com/uplinepay/backend/internal/models"
)

// TransferService orchestrates balance movements: it authorizes the mover
// against the hierarchy, applies up to three balance mutations and the
// matching ledger entries inside one database transaction, and notifies
// subscribers after commit.
type TransferService struct {
	db         *sql.DB
	accounts   *AccountService
	ledger     *LedgerService
	notifier   *Notifier
	audit      *AuditLogger
	validator  *ValidationHelper
	maxRetries int
	txTimeout  time.Duration
}

func NewTransferService(db *sql.DB, accounts *AccountService, ledger *LedgerService, notifier *Notifier) *TransferService {
	viper.SetDefault("transfer.max_retries", 3)
	viper.SetDefault("transfer.tx_timeout", 5*time.Second)

	return &TransferService{
		db:         db,
		accounts:   accounts,
		ledger:     ledger,
		notifier:   notifier,
		audit:      NewAuditLogger(),
		validator:  NewValidationHelper(),
		maxRetries: viper.GetInt("transfer.max_retries"),
		txTimeout:  viper.GetDuration("transfer.tx_timeout"),
	}
}

// TransferResult reports how a committed transfer split the amount.
type TransferResult struct {
	Amount     int64 `json:"amount"`
	Commission int64 `json:"commission"`
	NetAmount  int64 `json:"netAmount"`
}

// Transfer moves amount from mover to target, skimming the commission
// percentage to the mover's parent. Transient conflicts and timeouts on the
// atomic step are retried a bounded number of times with backoff; validation
// failures surface immediately.
func (s *TransferService) Transfer(ctx context.Context, moverID, targetID string, amount int64, commissionPercentage float64) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if commissionPercentage < 0 || commissionPercentage > 100 {
		return nil, ErrInvalidCommission
	}

	var result *TransferResult
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrTimeout
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		result, err = s.transferOnce(ctx, moverID, targetID, amount, commissionPercentage)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrTimeout) {
			break
		}
		log.Printf("[TRANSFER] Retryable failure (attempt %d/%d) for %s -> %s: %v",
			attempt+1, s.maxRetries, moverID, targetID, err)
	}
	if err != nil {
		s.audit.LogError(moverID, targetID, err)
		return nil, err
	}

	s.audit.LogTransfer(moverID, targetID, amount, result.Commission, "SUCCESS")

	// Best-effort, after commit. Must never gate or roll back the transfer.
	go s.notifier.PublishBalanceUpdate(context.Background(), BalanceUpdateEvent{
		MoverID:    moverID,
		TargetID:   targetID,
		Amount:     amount,
		Commission: result.Commission,
	})

	return result, nil
}

func (s *TransferService) transferOnce(ctx context.Context, moverID, targetID string, amount int64, commissionPercentage float64) (*TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", classifyStorageError(err))
	}
	defer tx.Rollback()

	// Accounts are never re-parented, so the mover's parent id read here
	// stays valid for the lifetime of the transaction.
	var moverParent sql.NullString
	err = tx.QueryRow(`SELECT parent_id FROM accounts WHERE id = $1`, moverID).Scan(&moverParent)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve mover parent: %w", classifyStorageError(err))
	}

	// Lock every touched account in ascending id order so concurrent
	// opposing transfers cannot deadlock.
	lockSet := map[string]bool{moverID: true, targetID: true}
	if moverParent.Valid && commissionPercentage > 0 {
		lockSet[moverParent.String] = true
	}
	lockIDs := make([]string, 0, len(lockSet))
	for id := range lockSet {
		lockIDs = append(lockIDs, id)
	}
	sort.Strings(lockIDs)

	locked := make(map[string]*models.Account, len(lockIDs))
	for _, id := range lockIDs {
		account, err := s.accounts.lockAccountTx(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if id != moverID && id != targetID {
					// The mover references a parent row that does not exist.
					return nil, ErrMalformedHierarchy
				}
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
		locked[id] = account
	}

	mover := locked[moverID]
	target := locked[targetID]

	if !CanTransfer(mover, target) {
		return nil, ErrUnauthorized
	}
	if mover.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	commission := int64(math.Round(float64(amount) * commissionPercentage / 100))
	if mover.ParentID == nil {
		// No parent to skim to; the full amount reaches the target.
		commission = 0
	}
	netAmount := amount - commission
	if netAmount == 0 {
		// A 100% skim (or rounding on tiny amounts) leaves nothing for the
		// target, and the ledger refuses zero-amount rows.
		return nil, ErrInvalidCommission
	}

	// Aggregate deltas per account id so overlapping parties (self transfer,
	// parent == target) net out correctly. Entry snapshots chain through the
	// running balances so the last entry touching a row matches the value the
	// row update stores.
	deltas := make(map[string]int64, 3)
	commissionDeltas := make(map[string]int64, 1)
	deltas[moverID] -= amount
	deltas[targetID] += netAmount

	running := map[string]int64{
		moverID:  mover.Balance,
		targetID: target.Balance,
	}

	debitBefore := running[moverID]
	running[moverID] -= amount
	creditBefore := running[targetID]
	running[targetID] += netAmount

	entries := []*models.LedgerEntry{
		{
			SenderID:      moverID,
			ReceiverID:    targetID,
			Amount:        amount,
			Kind:          models.EntryDebit,
			Description:   fmt.Sprintf("Balance transfer to %s", target.Username),
			BalanceBefore: debitBefore,
			BalanceAfter:  debitBefore - amount,
		},
		{
			SenderID:      moverID,
			ReceiverID:    targetID,
			Amount:        netAmount,
			Kind:          models.EntryCredit,
			Description:   fmt.Sprintf("Balance received from %s", mover.Username),
			Commission:    &models.Commission{Amount: commission, Percentage: commissionPercentage},
			BalanceBefore: creditBefore,
			BalanceAfter:  creditBefore + netAmount,
		},
	}

	if commission > 0 {
		parent := locked[*mover.ParentID]
		deltas[parent.ID] += commission
		commissionDeltas[parent.ID] += commission
		if _, ok := running[parent.ID]; !ok {
			running[parent.ID] = parent.Balance
		}
		commissionBefore := running[parent.ID]
		running[parent.ID] += commission
		entries = append(entries, &models.LedgerEntry{
			SenderID:      moverID,
			ReceiverID:    parent.ID,
			Amount:        commission,
			Kind:          models.EntryCommission,
			Description:   fmt.Sprintf("Commission from transfer to %s", target.Username),
			BalanceBefore: commissionBefore,
			BalanceAfter:  commissionBefore + commission,
		})
	}

	for _, id := range lockIDs {
		if deltas[id] == 0 && commissionDeltas[id] == 0 {
			continue
		}
		account := locked[id]
		newBalance := account.Balance + deltas[id]
		if err := s.accounts.updateBalanceTx(tx, id, newBalance, account.CommissionEarned+commissionDeltas[id], account.Version); err != nil {
			return nil, fmt.Errorf("update balance for %s: %w", id, err)
		}
	}

	for _, entry := range entries {
		if err := s.ledger.appendEntryTx(tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", classifyStorageError(err))
	}

	return &TransferResult{Amount: amount, Commission: commission, NetAmount: netAmount}, nil
}

// SelfRecharge mints balance onto the root account. Only the account with no
// parent may do this; everyone else receives balance through transfers.
func (s *TransferService) SelfRecharge(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recharge: %w", classifyStorageError(err))
	}
	defer tx.Rollback()

	account, err := s.accounts.lockAccountTx(tx, accountID)
	if err != nil {
		return 0, err
	}
	if !CanSelfRecharge(account) {
		return 0, ErrUnauthorized
	}

	newBalance := account.Balance + amount
	if err := s.accounts.updateBalanceTx(tx, accountID, newBalance, account.CommissionEarned, account.Version); err != nil {
		return 0, fmt.Errorf("update balance for %s: %w", accountID, err)
	}

	entry := &models.LedgerEntry{
		SenderID:      accountID,
		ReceiverID:    accountID,
		Amount:        amount,
		Kind:          models.EntryCredit,
		Description:   "Self recharge",
		BalanceBefore: account.Balance,
		BalanceAfter:  newBalance,
	}
	if err := s.ledger.appendEntryTx(tx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recharge: %w", classifyStorageError(err))
	}

	s.audit.LogRecharge(accountID, amount, "SUCCESS")
	return newBalance, nil
}

// BalanceSummary aggregates balances for the caller's visible slice of the
// tree: admins see the whole population, everyone else their downline.
// Aggregation happens in SQL; COALESCE guards the empty-downline average.
func (s *TransferService) BalanceSummary(ctx context.Context, account *models.Account) (*models.BalanceSummary, error) {
	query := `
		SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(commission_earned), 0), COUNT(*), COALESCE(AVG(balance), 0)
		FROM accounts`
	args := []any{}
	if account.Role != models.RoleAdmin {
		query += ` WHERE path = $1 OR path LIKE $1 || '.%'`
		args = append(args, hierarchy.DescendantPrefix(account))
	}

	var summary models.BalanceSummary
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&summary.TotalBalance, &summary.TotalCommission, &summary.AccountCount, &summary.AverageBalance)
	if err != nil {
		return nil, fmt.Errorf("balance summary: %w", classifyStorageError(err))
	}
	return &summary, nil
}

// CreditBalanceRequest represents the transfer payload
// @Description Balance transfer request
type CreditBalanceRequest struct {
	ReceiverID           string  `json:"receiverId" validate:"required,uuid4"`
	Amount               int64   `json:"amount" validate:"required,gt=0"`
	CommissionPercentage float64 `json:"commissionPercentage" validate:"gte=0,lte=100"`
}

// CreditBalance transfers balance to a direct child
// @Summary Transfer balance
// @Description Move balance from the caller to a target account, optionally skimming commission to the caller's parent
// @Tags balance
// @Accept json
// @Produce json
// @Param request body CreditBalanceRequest true "Transfer request"
// @Success 200 {object} object{amount=int64,commission=int64,netAmount=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /balance/credit [post]
func (s *TransferService) CreditBalance(w http.ResponseWriter, r *http.Request) {
	moverID, _ := r.Context().Value("accountID").(string)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreditBalanceRequest
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

	log.Printf("[TRANSFER] Transfer request: mover=%s, target=%s, amount=%d, commission=%.2f%%",
		moverID, req.ReceiverID, req.Amount, req.CommissionPercentage)

	result, err := s.Transfer(r.Context(), moverID, req.ReceiverID, req.Amount, req.CommissionPercentage)
	if err != nil {
		log.Printf("[TRANSFER] Transfer failed: mover=%s, target=%s: %v", moverID, req.ReceiverID, err)
		SendCoreError(w, err)
		return
	}

	log.Printf("[TRANSFER] Transfer successful: mover=%s, target=%s, net=%d, commission=%d",
		moverID, req.ReceiverID, result.NetAmount, result.Commission)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"message":    "Balance transferred successfully",
		"amount":     result.Amount,
		"commission": result.Commission,
		"netAmount":  result.NetAmount,
	})
}

// RechargeRequest represents the self-recharge payload
// @Description Self recharge request
type RechargeRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// Recharge credits the root account with fresh balance
// @Summary Self recharge
// @Description Increment the root account's own balance; only the account with no parent may do this
// @Tags balance
// @Accept json
// @Produce json
// @Param request body RechargeRequest true "Recharge request"
// @Success 200 {object} object{newBalance=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /balance/recharge [post]
func (s *TransferService) Recharge(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RechargeRequest
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

	newBalance, err := s.SelfRecharge(r.Context(), accountID, req.Amount)
	if err != nil {
		log.Printf("[TRANSFER] Recharge failed for %s: %v", accountID, err)
		SendCoreError(w, err)
		return
	}

	log.Printf("[TRANSFER] Recharge successful for %s: +%d", accountID, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"message":    "Balance recharged successfully",
		"newBalance": newBalance,
	})
}

// GetBalanceSummary aggregates balances over the caller's visible accounts
// @Summary Get balance summary
// @Description Sum, average and count of balances; global for admins, downline-scoped otherwise
// @Tags balance
// @Produce json
// @Success 200 {object} models.BalanceSummary
// @Failure 404 {object} ErrorResponse
// @Router /balance/summary [get]
func (s *TransferService) GetBalanceSummary(w http.ResponseWriter, r *http.Request) {
	accountID, _ := r.Context().Value("accountID").(string)

	account, err := s.accounts.GetAccount(r.Context(), accountID)
	if err != nil {
		SendCoreError(w, err)
		return
	}

	summary, err := s.BalanceSummary(r.Context(), account)
	if err != nil {
		log.Printf("[TRANSFER] Summary query failed for %s: %v", accountID, err)
		SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"summary": summary,
	})
}
