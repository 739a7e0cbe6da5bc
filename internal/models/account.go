package models

import (
	"time"
)

// Account roles
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
	RoleUser  = "user"
)

// Account is a node in the ownership hierarchy. ParentID points at the
// account that created it; Path holds the dot-joined ids of all ancestors
// from the root down to the parent ("" for the root account itself).
type Account struct {
	ID               string    `json:"id" db:"id"`
	Username         string    `json:"username" db:"username"`
	Email            string    `json:"email" db:"email"`
	Role             string    `json:"role" db:"role"`
	ParentID         *string   `json:"parentId" db:"parent_id"`
	Level            int       `json:"level" db:"level"`
	Path             string    `json:"path" db:"path"`
	Balance          int64     `json:"balance" db:"balance"` // in smallest currency unit
	CommissionEarned int64     `json:"commissionEarned" db:"commission_earned"`
	IsActive         bool      `json:"isActive" db:"is_active"`
	Version          int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// IsRoot reports whether the account sits at the top of the hierarchy.
func (a *Account) IsRoot() bool {
	return a.ParentID == nil
}

// AccountNode nests an account with its direct children for downline views.
type AccountNode struct {
	Account  *Account       `json:"account"`
	Children []*AccountNode `json:"children"`
}

// BalanceSummary aggregates balances over a set of accounts.
type BalanceSummary struct {
	TotalBalance    int64   `json:"totalBalance"`
	TotalCommission int64   `json:"totalCommission"`
	AccountCount    int64   `json:"accountCount"`
	AverageBalance  float64 `json:"averageBalance"`
}
