package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/uplinepay/backend/internal/models"
)

func TestCanTransfer(t *testing.T) {
	root := &models.Account{ID: "acc-1", Role: models.RoleOwner, Path: ""}
	child := &models.Account{ID: "acc-2", Role: models.RoleUser,
		ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1"}
	grandchild := &models.Account{ID: "acc-3", Role: models.RoleUser,
		ParentID: strPtr("acc-2"), Level: 2, Path: "acc-1.acc-2"}
	admin := &models.Account{ID: "acc-9", Role: models.RoleAdmin, Path: ""}

	assert.True(t, CanTransfer(root, child))
	assert.False(t, CanTransfer(root, grandchild), "grandchildren are out of reach")
	assert.False(t, CanTransfer(child, root), "children cannot push balance upward")
	assert.False(t, CanTransfer(child, child), "no self transfer without admin role")

	assert.True(t, CanTransfer(admin, root))
	assert.True(t, CanTransfer(admin, grandchild))
	assert.True(t, CanTransfer(admin, admin))
}

func TestCanChangePassword(t *testing.T) {
	root := &models.Account{ID: "acc-1", Role: models.RoleOwner, Path: ""}
	child := &models.Account{ID: "acc-2", Role: models.RoleUser,
		ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1"}
	grandchild := &models.Account{ID: "acc-3", Role: models.RoleUser,
		ParentID: strPtr("acc-2"), Level: 2, Path: "acc-1.acc-2"}
	admin := &models.Account{ID: "acc-9", Role: models.RoleAdmin, Path: ""}

	assert.True(t, CanChangePassword(root, child))
	assert.True(t, CanChangePassword(child, grandchild))
	assert.False(t, CanChangePassword(root, grandchild))
	assert.False(t, CanChangePassword(child, root))
	// Even admins must be the direct parent to reset a password.
	assert.False(t, CanChangePassword(admin, child))
}

func TestCanSelfRecharge(t *testing.T) {
	root := &models.Account{ID: "acc-1", Role: models.RoleOwner, Path: ""}
	child := &models.Account{ID: "acc-2", Role: models.RoleOwner,
		ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1"}
	admin := &models.Account{ID: "acc-9", Role: models.RoleAdmin,
		ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1"}

	assert.True(t, CanSelfRecharge(root))
	// Position in the tree decides, not the role.
	assert.False(t, CanSelfRecharge(child))
	assert.False(t, CanSelfRecharge(admin))
}
