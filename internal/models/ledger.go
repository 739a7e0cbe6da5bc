package models

import (
	"time"
)

// Ledger entry kinds
const (
	EntryDebit      = "debit"
	EntryCredit     = "credit"
	EntryCommission = "commission"
)

// Commission is the breakdown carried on a credit entry when part of the
// transferred amount was skimmed to the mover's parent.
type Commission struct {
	Amount     int64   `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// LedgerEntry is one immutable balance movement. BalanceBefore and
// BalanceAfter snapshot the affected party's stored balance around the
// mutation; rows are write-once and never deleted.
type LedgerEntry struct {
	ID            int64       `json:"id" db:"id"`
	SenderID      string      `json:"sender" db:"sender_id"`
	ReceiverID    string      `json:"receiver" db:"receiver_id"`
	Amount        int64       `json:"amount" db:"amount"`
	Kind          string      `json:"kind" db:"kind"`
	Description   string      `json:"description" db:"description"`
	Commission    *Commission `json:"commission,omitempty"`
	BalanceBefore int64       `json:"balanceBefore" db:"balance_before"`
	BalanceAfter  int64       `json:"balanceAfter" db:"balance_after"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
}
