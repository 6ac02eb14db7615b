package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"limitter/internal/types"
)

func TestUserRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	user := &types.User{
		ID:                 "user_1",
		Email:              "jordan@example.com",
		Name:               "Jordan",
		PasswordHash:       "$2a$10$hash",
		Plan:               types.PlanFree,
		Role:               types.RoleMember,
		SubscriptionStatus: types.SubStatusActive,
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), user)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUserRepository_Create_DuplicateEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, pgErr)

	err := repo.Create(context.Background(), &types.User{ID: "user_1", Email: "jordan@example.com"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictEmail, appErr.Code)
}

func TestUserRepository_GetByID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "user_1"
			*dest[1].(*string) = "jordan@example.com"
			name := "Jordan"
			*dest[2].(**string) = &name
			hash := "$2a$10$hash"
			*dest[3].(**string) = &hash
			*dest[4].(*bool) = true
			*dest[5].(*types.PlanTier) = types.PlanPro
			*dest[6].(*types.UserRole) = types.RoleMember
			*dest[7].(*types.SubscriptionStatus) = types.SubStatusActive
			*dest[8].(*int64) = 499
			*dest[9].(*int64) = 3600
			*dest[10].(*int) = 4
			*dest[11].(*time.Time) = now
			*dest[12].(*time.Time) = now
			return nil
		},
	}

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	user, err := repo.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", user.ID)
	assert.Equal(t, "Jordan", user.Name)
	assert.Equal(t, types.PlanPro, user.Plan)
	assert.Equal(t, int64(499), user.TotalSpentCents)
	assert.True(t, user.EmailVerified)
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.GetByID(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepository_UpdatePlan_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdatePlan(context.Background(), "user_missing", types.PlanPro, types.SubStatusActive)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepository_AddSpent_RelativeIncrement(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "total_spent_cents = total_spent_cents + $1")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.AddSpent(context.Background(), "user_1", 199)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUserRepository_AggregateCounts(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	rows := newMockRows([][]any{
		{"free", int64(100), int64(5000)},
		{"pro", int64(30), int64(20000)},
		{"elite", int64(5), int64(9000)},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	counts, err := repo.AggregateCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(135), counts[StatTotalUsers])
	assert.Equal(t, int64(30), counts[StatPlanPrefix+"pro"])
	assert.Equal(t, int64(34000), counts[StatTimeSavedSecs])
}
