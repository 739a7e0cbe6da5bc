package services

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/uplinepay/backend/internal/models"
)

func TestAccountService_GetAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("existing account", func(t *testing.T) {
		account := &models.Account{
			ID: "acc-1", Username: "rootowner", Email: "root@example.com", Role: models.RoleOwner,
			Path: "", Balance: 1000, IsActive: true, Version: 1,
		}

		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WithArgs(account.ID).
			WillReturnRows(accountTestRows(account))

		got, err := service.GetAccount(context.Background(), account.ID)
		assert.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
		assert.Equal(t, int64(1000), got.Balance)
		assert.True(t, got.IsRoot())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetAccount(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAccountService_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	parent := &models.Account{
		ID: "acc-1", Username: "rootowner", Email: "root@example.com", Role: models.RoleOwner,
		Path: "", Level: 0, IsActive: true, Version: 1,
	}

	t.Run("child derives level and path from parent", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("child", "child@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs(sqlmock.AnyArg(), "child", "child@example.com", "hashed", models.RoleUser,
				"acc-1", 1, "acc-1").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(time.Now(), time.Now()))
		mock.ExpectCommit()

		account, err := service.CreateAccount(context.Background(), CreateAccountParams{
			Username:     "child",
			Email:        "child@example.com",
			PasswordHash: "hashed",
			Role:         models.RoleUser,
			Parent:       parent,
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, account.Level)
		assert.Equal(t, "acc-1", account.Path)
		assert.Equal(t, "acc-1", *account.ParentID)
		assert.Equal(t, int64(0), account.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("grandchild path extends the chain", func(t *testing.T) {
		child := &models.Account{
			ID: "acc-2", Username: "child", Email: "child@example.com", Role: models.RoleUser,
			ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1",
			IsActive: true, Version: 1,
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("grandchild", "gc@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs(sqlmock.AnyArg(), "grandchild", "gc@example.com", "hashed", models.RoleUser,
				"acc-2", 2, "acc-1.acc-2").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(time.Now(), time.Now()))
		mock.ExpectCommit()

		account, err := service.CreateAccount(context.Background(), CreateAccountParams{
			Username:     "grandchild",
			Email:        "gc@example.com",
			PasswordHash: "hashed",
			Role:         models.RoleUser,
			Parent:       child,
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, account.Level)
		assert.Equal(t, "acc-1.acc-2", account.Path)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate username or email", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("child", "CHILD@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := service.CreateAccount(context.Background(), CreateAccountParams{
			Username:     "child",
			Email:        "CHILD@example.com",
			PasswordHash: "hashed",
			Role:         models.RoleUser,
			Parent:       parent,
		})
		assert.ErrorIs(t, err, ErrDuplicateIdentity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_AdjustBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("successful adjustment", func(t *testing.T) {
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-200), "acc-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(800))

		balance, err := service.AdjustBalance(context.Background(), "acc-1", -200)
		assert.NoError(t, err)
		assert.Equal(t, int64(800), balance)
	})

	t.Run("refused overdraft", func(t *testing.T) {
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(-2000), "acc-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := service.AdjustBalance(context.Background(), "acc-1", -2000)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("UPDATE accounts").
			WithArgs(int64(100), "nope").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := service.AdjustBalance(context.Background(), "nope", 100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAccountService_updateBalanceTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("successful update", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(900), int64(0), "acc-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.updateBalanceTx(tx, "acc-1", 900, 0, 1)
		assert.NoError(t, err)
	})

	t.Run("stale version", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(900), int64(0), "acc-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.updateBalanceTx(tx, "acc-1", 900, 0, 1)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestAccountService_FindByPathPrefix(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("returns matching descendants", func(t *testing.T) {
		child := &models.Account{
			ID: "acc-2", Username: "child", Email: "child@example.com", Role: models.RoleUser,
			ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1",
			IsActive: true, Version: 1,
		}
		grandchild := &models.Account{
			ID: "acc-3", Username: "grandchild", Email: "gc@example.com", Role: models.RoleUser,
			ParentID: strPtr("acc-2"), Level: 2, Path: "acc-1.acc-2",
			IsActive: true, Version: 1,
		}

		mock.ExpectQuery("WHERE path = \\$1 OR path LIKE \\$1").
			WithArgs("acc-1").
			WillReturnRows(accountTestRows(child, grandchild))

		accounts, err := service.FindByPathPrefix(context.Background(), "acc-1")
		assert.NoError(t, err)
		assert.Len(t, accounts, 2)
		assert.Equal(t, "acc-2", accounts[0].ID)
		assert.Equal(t, "acc-3", accounts[1].ID)
	})

	t.Run("empty downline", func(t *testing.T) {
		mock.ExpectQuery("WHERE path = \\$1 OR path LIKE \\$1").
			WithArgs("acc-9").
			WillReturnRows(accountTestRows())

		accounts, err := service.FindByPathPrefix(context.Background(), "acc-9")
		assert.NoError(t, err)
		assert.Empty(t, accounts)
	})
}

func TestAccountService_ChangePassword(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("non-parent is refused", func(t *testing.T) {
		requester := &models.Account{
			ID: "acc-1", Username: "rootowner", Email: "root@example.com", Role: models.RoleOwner,
			Path: "", IsActive: true, Version: 1,
		}
		// Target is a grandchild, so the requester is not its direct parent.
		target := &models.Account{
			ID: "9f0c61f6-06b1-4a5f-a6a3-47fa64d3a2f1", Username: "grandchild", Email: "gc@example.com",
			Role: models.RoleUser, ParentID: strPtr("acc-2"),
			Level: 2, Path: "acc-1.acc-2", IsActive: true, Version: 1,
		}

		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WithArgs(requester.ID).
			WillReturnRows(accountTestRows(requester))
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WithArgs(target.ID).
			WillReturnRows(accountTestRows(target))

		body := []byte(`{"accountId":"` + target.ID + `","newPassword":"newsecret"}`)
		req := httptest.NewRequest("PUT", "/users/change-password", bytes.NewBuffer(body))
		req = req.WithContext(context.WithValue(req.Context(), "accountID", requester.ID))
		w := httptest.NewRecorder()

		service.ChangePassword(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid request body", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/users/change-password", bytes.NewBuffer([]byte("invalid")))
		req = req.WithContext(context.WithValue(req.Context(), "accountID", "acc-1"))
		w := httptest.NewRecorder()

		service.ChangePassword(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_ListAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("non-admin is refused", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/users/all", nil)
		ctx := context.WithValue(req.Context(), "accountID", "acc-2")
		ctx = context.WithValue(ctx, "role", models.RoleOwner)
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		service.ListAccounts(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin gets the flat listing", func(t *testing.T) {
		root := &models.Account{
			ID: "acc-1", Username: "rootowner", Email: "root@example.com", Role: models.RoleOwner,
			Path: "", IsActive: true, Version: 1,
		}
		child := &models.Account{
			ID: "acc-2", Username: "child", Email: "child@example.com", Role: models.RoleUser,
			ParentID: strPtr("acc-1"), Level: 1, Path: "acc-1",
			IsActive: true, Version: 1,
		}

		mock.ExpectQuery("SELECT (.+) FROM accounts ORDER BY level, created_at").
			WillReturnRows(accountTestRows(root, child))

		req := httptest.NewRequest("GET", "/users/all", nil)
		ctx := context.WithValue(req.Context(), "accountID", "acc-0")
		ctx = context.WithValue(ctx, "role", models.RoleAdmin)
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		service.ListAccounts(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
