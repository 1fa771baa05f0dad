package services

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
)

func newExecutionService(t *testing.T) (*ExecutionService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	svc := NewExecutionService(
		repositories.NewExecutionRepository(gdb),
		repositories.NewExecutionLogRepository(gdb),
	)
	return svc, mock
}

func expectStatusUpdate(mock sqlmock.Sqlmock, rowsAffected int64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "executions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, rowsAffected))
	mock.ExpectCommit()
}

func TestStartMapsLostClaimToInvalidTransition(t *testing.T) {
	ctx := context.Background()
	executionID := uuid.New()

	t.Run("claimed", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 1)

		require.NoError(t, svc.Start(ctx, executionID, "worker-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already left pending", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 0)

		err := svc.Start(ctx, executionID, "worker-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestRequestCancelDistinguishesWhyNothingMoved(t *testing.T) {
	ctx := context.Background()
	executionID := uuid.New()

	expectLookup := func(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
			WillReturnRows(rows)
	}

	t.Run("active record moves to cancelling", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 1)

		require.NoError(t, svc.RequestCancel(ctx, executionID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal record", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 0)
		expectLookup(mock, sqlmock.NewRows([]string{"id", "status"}).
			AddRow(executionID.String(), models.StatusSuccess))

		err := svc.RequestCancel(ctx, executionID)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	})

	t.Run("already cancelling", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 0)
		expectLookup(mock, sqlmock.NewRows([]string{"id", "status"}).
			AddRow(executionID.String(), models.StatusCancelling))

		err := svc.RequestCancel(ctx, executionID)
		assert.ErrorIs(t, err, ErrExecutionNotActive)
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 0)
		expectLookup(mock, sqlmock.NewRows([]string{"id", "status"}))

		err := svc.RequestCancel(ctx, executionID)
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	svc, mock := newExecutionService(t)

	moved, err := svc.Finish(context.Background(), uuid.New(), models.StatusRunning, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing should reach the database")
}

func TestFinishReportsLostRace(t *testing.T) {
	ctx := context.Background()
	errMsg := "sandbox crashed"
	errType := models.ErrTypeUserFailure

	t.Run("first terminal writer wins", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 1)

		moved, err := svc.Finish(ctx, uuid.New(), models.StatusFailed, nil, &errMsg, &errType)
		require.NoError(t, err)
		assert.True(t, moved)
	})

	t.Run("late writer finds the row already moved", func(t *testing.T) {
		svc, mock := newExecutionService(t)
		expectStatusUpdate(mock, 0)

		moved, err := svc.Finish(ctx, uuid.New(), models.StatusSuccess, models.JSON{"ok": true}, nil, nil)
		require.NoError(t, err)
		assert.False(t, moved)
	})
}

func TestGetByIDMapsMissingRecord(t *testing.T) {
	svc, mock := newExecutionService(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	_, err := svc.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}
