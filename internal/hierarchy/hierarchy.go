// Package hierarchy derives ancestor/descendant relations from the
// denormalized path field stored on each account. Nothing here touches the
// database; callers pass in already-loaded accounts.
package hierarchy

import (
	"errors"
	"strings"

	"github.com/uplinepay/backend/internal/models"
)

// ErrMalformedHierarchy is returned when parent links are cyclic or dangle,
// which would otherwise make tree traversal loop forever.
var ErrMalformedHierarchy = errors.New("malformed hierarchy")

// IsAncestorOf reports whether a is an ancestor (at any depth) of b. The
// check is an exact segment match on b's path: id "12" must never match a
// path containing id "123", so a plain string-prefix test is not enough.
func IsAncestorOf(a, b *models.Account) bool {
	if b.Path == "" {
		return false
	}
	for _, segment := range strings.Split(b.Path, ".") {
		if segment == a.ID {
			return true
		}
	}
	return false
}

// IsImmediateParentOf reports whether a created b directly.
func IsImmediateParentOf(a, b *models.Account) bool {
	return b.ParentID != nil && *b.ParentID == a.ID
}

// DescendantPrefix returns the path every descendant of a starts with.
// A child's path is its parent's path extended by the parent's id, so the
// prefix is a's own path plus a's id.
func DescendantPrefix(a *models.Account) string {
	if a.Path == "" {
		return a.ID
	}
	return a.Path + "." + a.ID
}

// ChildPath returns the path a newly created child of parent must carry.
func ChildPath(parent *models.Account) string {
	return DescendantPrefix(parent)
}

// BuildTree nests accounts under rootID by grouping on parent_id. Recursion
// depth is bounded by the number of accounts; data with cyclic or dangling
// parent links surfaces as ErrMalformedHierarchy instead of looping.
func BuildTree(rootID string, accounts []*models.Account) ([]*models.AccountNode, error) {
	byParent := make(map[string][]*models.Account, len(accounts))
	for _, a := range accounts {
		if a.ParentID == nil {
			continue
		}
		byParent[*a.ParentID] = append(byParent[*a.ParentID], a)
	}

	nodes, placed, err := buildSubtree(rootID, byParent, len(accounts))
	if err != nil {
		return nil, err
	}

	// Accounts that never attached under the root indicate dangling or
	// cyclic parent links.
	reachable := placed
	for _, a := range accounts {
		if a.ID == rootID {
			reachable++
		}
	}
	if reachable < len(accounts) {
		return nil, ErrMalformedHierarchy
	}
	return nodes, nil
}

func buildSubtree(parentID string, byParent map[string][]*models.Account, depthBudget int) ([]*models.AccountNode, int, error) {
	if depthBudget < 0 {
		return nil, 0, ErrMalformedHierarchy
	}

	children := byParent[parentID]
	nodes := make([]*models.AccountNode, 0, len(children))
	placed := 0
	for _, child := range children {
		grandchildren, n, err := buildSubtree(child.ID, byParent, depthBudget-1)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, &models.AccountNode{Account: child, Children: grandchildren})
		placed += n + 1
	}
	return nodes, placed, nil
}
