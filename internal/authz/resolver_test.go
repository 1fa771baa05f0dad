package authz

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

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
)

func newResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	return NewResolver(
		repositories.NewWorkflowAccessRepository(gdb),
		repositories.NewRoleAssignmentRepository(gdb),
		repositories.NewUserRepository(gdb),
	), mock
}

func accessRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workflow_id", "entity_type", "entity_id", "access_level", "organization_id", "created_at",
	})
}

func TestCanExecuteRuleOrder(t *testing.T) {
	ctx := context.Background()
	workflowID := uuid.New()
	userID := uuid.New()
	orgID := uuid.New()

	t.Run("superuser short-circuits before any query", func(t *testing.T) {
		r, mock := newResolver(t)
		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, IsSuperuser: true})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("api key short-circuits before any query", func(t *testing.T) {
		r, mock := newResolver(t)
		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, IsAPIKey: true})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("anonymous denied before any query", func(t *testing.T) {
		r, mock := newResolver(t)
		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no access rows denies", func(t *testing.T) {
		r, mock := newResolver(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflow_access" WHERE workflow_id = $1`)).
			WithArgs(workflowID, orgID).
			WillReturnRows(accessRows())

		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, OrgID: &orgID})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("authenticated row allows without role lookups", func(t *testing.T) {
		r, mock := newResolver(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflow_access" WHERE workflow_id = $1`)).
			WithArgs(workflowID, orgID).
			WillReturnRows(accessRows().AddRow(
				uuid.NewString(), workflowID.String(), models.AccessEntityForm, uuid.NewString(),
				models.AccessLevelAuthenticated, nil, time.Now(),
			))

		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, OrgID: &orgID})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role based row allows on intersection", func(t *testing.T) {
		r, mock := newResolver(t)
		formID := uuid.New()
		sharedRole := uuid.New()

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflow_access" WHERE workflow_id = $1`)).
			WithArgs(workflowID, orgID).
			WillReturnRows(accessRows().AddRow(
				uuid.NewString(), workflowID.String(), models.AccessEntityForm, formID.String(),
				models.AccessLevelRoleBased, orgID.String(), time.Now(),
			))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "role_id" FROM "user_roles" WHERE user_id = $1`)).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(sharedRole.String()).AddRow(uuid.NewString()))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "role_id" FROM "role_assignments" WHERE entity_type = $1 AND entity_id = $2`)).
			WithArgs(models.AccessEntityForm, formID).
			WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(sharedRole.String()))

		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, OrgID: &orgID})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role based row denies without intersection", func(t *testing.T) {
		r, mock := newResolver(t)
		formID := uuid.New()

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflow_access" WHERE workflow_id = $1`)).
			WithArgs(workflowID, orgID).
			WillReturnRows(accessRows().AddRow(
				uuid.NewString(), workflowID.String(), models.AccessEntityForm, formID.String(),
				models.AccessLevelRoleBased, orgID.String(), time.Now(),
			))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "role_id" FROM "user_roles" WHERE user_id = $1`)).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(uuid.NewString()))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "role_id" FROM "role_assignments" WHERE entity_type = $1 AND entity_id = $2`)).
			WithArgs(models.AccessEntityForm, formID).
			WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(uuid.NewString()))

		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, OrgID: &orgID})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("caller with no roles denied without assignment lookup", func(t *testing.T) {
		r, mock := newResolver(t)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflow_access" WHERE workflow_id = $1`)).
			WithArgs(workflowID, orgID).
			WillReturnRows(accessRows().AddRow(
				uuid.NewString(), workflowID.String(), models.AccessEntityApp, uuid.NewString(),
				models.AccessLevelRoleBased, nil, time.Now(),
			))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "role_id" FROM "user_roles" WHERE user_id = $1`)).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"role_id"}))

		ok, err := r.CanExecute(ctx, Input{WorkflowID: workflowID, Identity: &userID, OrgID: &orgID})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
