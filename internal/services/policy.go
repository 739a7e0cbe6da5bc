package services

import (
	"github.com/uplinepay/backend/internal/hierarchy"
	"github.com/uplinepay/backend/internal/models"
)

// Authorization is position-in-tree based. Admins act on anyone; every other
// account may only act on accounts it created directly. This is a
// direct-child-only policy: grandchildren are out of reach.

// CanTransfer reports whether mover may move balance to target.
func CanTransfer(mover, target *models.Account) bool {
	if mover.Role == models.RoleAdmin {
		return true
	}
	return hierarchy.IsImmediateParentOf(mover, target)
}

// CanChangePassword reports whether requester may reset target's password.
func CanChangePassword(requester, target *models.Account) bool {
	return hierarchy.IsImmediateParentOf(requester, target)
}

// CanSelfRecharge reports whether the account may mint balance onto itself.
// Only the root of the hierarchy (no parent) can.
func CanSelfRecharge(account *models.Account) bool {
	return account.IsRoot()
}
