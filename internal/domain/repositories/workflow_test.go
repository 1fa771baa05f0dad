package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newWorkflowRepo(t *testing.T) (*WorkflowRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	return NewWorkflowRepository(gdb), mock
}

func TestFindDue(t *testing.T) {
	repo, mock := newWorkflowRepo(t)
	first := uuid.New()
	second := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflows"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "schedule", "is_active"}).
			AddRow(first.String(), "hourly-sync", "0 * * * *", true).
			AddRow(second.String(), "five-minute-poll", "*/5 * * * *", true))

	due, err := repo.FindDue(context.Background(), time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first, due[0].ID)
	require.NotNil(t, due[1].Schedule)
	assert.Equal(t, "*/5 * * * *", *due[1].Schedule)
}

func TestCronStateWrites(t *testing.T) {
	ctx := context.Background()
	workflowID := uuid.New()
	now := time.Now().UTC()

	expectWorkflowUpdate := func(mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "workflows" SET`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	t.Run("a fire records last_fired_at and next_due_at together", func(t *testing.T) {
		repo, mock := newWorkflowRepo(t)
		expectWorkflowUpdate(mock)

		require.NoError(t, repo.UpdateCronState(ctx, workflowID, now, now.Add(time.Hour)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first sighting initializes next_due_at without marking a fire", func(t *testing.T) {
		repo, mock := newWorkflowRepo(t)
		expectWorkflowUpdate(mock)

		require.NoError(t, repo.SetNextDue(ctx, workflowID, now.Add(time.Hour)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
