package worker

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
)

type runnerFixture struct {
	runner  *Runner
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
	client  *pkgredis.Client
	pending *queue.PendingStore
	tracker *queue.Tracker
	cancel  *queue.CancelFlag
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	loader, err := NewModuleLoader(client, &fakeStore{}, time.Hour, 8)
	require.NoError(t, err)

	pending := queue.NewPendingStore(client, time.Minute)
	tracker := queue.NewTracker(client, events.NewPublisher(client))
	cancel := queue.NewCancelFlag(client)

	runner := NewRunner("worker-test", config.WorkerConfig{}, Deps{
		Executions: services.NewExecutionService(
			repositories.NewExecutionRepository(gdb),
			repositories.NewExecutionLogRepository(gdb),
		),
		Catalog: services.NewCatalogService(repositories.NewWorkflowRepository(gdb)),
		Authz: authz.NewResolver(
			repositories.NewWorkflowAccessRepository(gdb),
			repositories.NewRoleAssignmentRepository(gdb),
			repositories.NewUserRepository(gdb),
		),
		Pending:    pending,
		Tracker:    tracker,
		CancelFlag: cancel,
		Inbox:      events.NewResultInbox(client, time.Minute),
		Publisher:  events.NewPublisher(client),
		Logs:       repositories.NewExecutionLogRepository(gdb),
		Modules:    loader,
		Registry:   pool.NewRegistry(client, 15*time.Second),
	})

	return &runnerFixture{
		runner:  runner,
		mock:    mock,
		mr:      mr,
		client:  client,
		pending: pending,
		tracker: tracker,
		cancel:  cancel,
	}
}

func dispatchDelivery(t *testing.T, msg broker.DispatchMessage) amqp.Delivery {
	t.Helper()
	body, err := msg.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{Body: body, MessageId: uuid.NewString()}
}

func workflowRows(id uuid.UUID, name string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "function_name", "path", "type", "parameters_schema",
		"timeout_seconds", "execution_mode", "time_saved", "value", "is_active",
	}).AddRow(id.String(), name, "run", "flows/"+name+".js", "workflow", []byte(`[]`), 30, "async", 0.0, 0.0, true)
}

func executionRows(id uuid.UUID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "workflow_id", "workflow_name", "status"}).
		AddRow(id.String(), uuid.New().String(), "nightly-report", status)
}

func expectExecutionUpdate(mock sqlmock.Sqlmock, rowsAffected int64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "executions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, rowsAffected))
	mock.ExpectCommit()
}

// subscribeUpdates opens the execution's update channel and waits for the
// subscription to be live before returning.
func subscribeUpdates(t *testing.T, ctx context.Context, client *pkgredis.Client, executionID uuid.UUID) *redis.PubSub {
	t.Helper()
	sub := client.Subscribe(ctx, events.UpdateChannel(executionID))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub
}

func receiveStatusEvent(t *testing.T, ctx context.Context, sub *redis.PubSub) events.Event {
	t.Helper()
	raw, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	msg, ok := raw.(*redis.Message)
	require.True(t, ok, "expected a pub/sub message, got %T", raw)

	var event events.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	require.Equal(t, events.TypeStatus, event.Type)
	return event
}

func TestHandleDuplicateDeliveryLeavesTheRecordAlone(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	executionID := uuid.New()
	workflowID := uuid.New()

	require.NoError(t, f.pending.Set(ctx, executionID, &queue.PendingRecord{
		WorkflowID:    workflowID,
		WorkflowName:  "nightly-report",
		TriggerSource: models.TriggerUser,
	}))
	_, err := f.tracker.Add(ctx, executionID)
	require.NoError(t, err)

	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflows"`)).
		WillReturnRows(workflowRows(workflowID, "nightly-report"))
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
		WillReturnRows(executionRows(executionID, models.StatusSuccess))

	err = f.runner.Handle(ctx, dispatchDelivery(t, broker.DispatchMessage{
		ExecutionID:  executionID,
		WorkflowName: "nightly-report",
	}))
	require.NoError(t, err)

	assert.NoError(t, f.mock.ExpectationsWereMet(), "a finished execution must not be written again")

	_, err = f.pending.Get(ctx, executionID)
	assert.ErrorIs(t, err, queue.ErrPendingNotFound, "queue leftovers are cleaned up")
	depth, err := f.tracker.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestHandleExpiredPendingContext(t *testing.T) {
	ctx := context.Background()

	t.Run("durable record still pending gets a definite failure", func(t *testing.T) {
		f := newRunnerFixture(t)
		executionID := uuid.New()
		sub := subscribeUpdates(t, ctx, f.client, executionID)

		f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
			WillReturnRows(executionRows(executionID, models.StatusPending))
		expectExecutionUpdate(f.mock, 1)

		err := f.runner.Handle(ctx, dispatchDelivery(t, broker.DispatchMessage{
			ExecutionID:  executionID,
			WorkflowName: "nightly-report",
		}))
		require.NoError(t, err)
		assert.NoError(t, f.mock.ExpectationsWereMet())

		event := receiveStatusEvent(t, ctx, sub)
		assert.Equal(t, models.StatusFailed, event.Status)
		assert.Equal(t, models.ErrTypeAdmissionExpired, event.ErrorType)
	})

	t.Run("async run without a durable record writes one to carry the failure", func(t *testing.T) {
		f := newRunnerFixture(t)
		executionID := uuid.New()
		workflowID := uuid.New()
		sub := subscribeUpdates(t, ctx, f.client, executionID)

		f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflows"`)).
			WillReturnRows(workflowRows(workflowID, "nightly-report"))
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "executions"`)).
			WillReturnRows(sqlmock.NewRows([]string{"trigger_source", "time_saved", "value"}).
				AddRow(models.TriggerUser, 0.0, 0.0))
		f.mock.ExpectCommit()
		expectExecutionUpdate(f.mock, 1)

		err := f.runner.Handle(ctx, dispatchDelivery(t, broker.DispatchMessage{
			ExecutionID:  executionID,
			WorkflowName: "nightly-report",
		}))
		require.NoError(t, err)
		assert.NoError(t, f.mock.ExpectationsWereMet())

		event := receiveStatusEvent(t, ctx, sub)
		assert.Equal(t, models.StatusFailed, event.Status)
		assert.Equal(t, models.ErrTypeAdmissionExpired, event.ErrorType)
	})
}

func TestHandleCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	executionID := uuid.New()
	workflowID := uuid.New()

	require.NoError(t, f.pending.Set(ctx, executionID, &queue.PendingRecord{
		WorkflowID:    workflowID,
		WorkflowName:  "nightly-report",
		TriggerSource: models.TriggerUser,
	}))
	_, err := f.tracker.Add(ctx, executionID)
	require.NoError(t, err)
	require.NoError(t, f.cancel.Set(ctx, executionID))

	sub := subscribeUpdates(t, ctx, f.client, executionID)

	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workflows"`)).
		WillReturnRows(workflowRows(workflowID, "nightly-report"))
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
		WillReturnRows(executionRows(executionID, models.StatusCancelling))
	// The claim refuses rows that already left pending.
	expectExecutionUpdate(f.mock, 0)
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
		WillReturnRows(executionRows(executionID, models.StatusCancelling))
	// Finalize routes through cancelling first; the row is already there.
	expectExecutionUpdate(f.mock, 0)
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "executions"`)).
		WillReturnRows(executionRows(executionID, models.StatusCancelling))
	expectExecutionUpdate(f.mock, 1)

	err = f.runner.Handle(ctx, dispatchDelivery(t, broker.DispatchMessage{
		ExecutionID:  executionID,
		WorkflowName: "nightly-report",
	}))
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "the script must never run")

	event := receiveStatusEvent(t, ctx, sub)
	assert.Equal(t, models.StatusCancelled, event.Status)
	assert.Equal(t, models.ErrTypeCancelled, event.ErrorType)

	flagged, err := f.cancel.IsSet(ctx, executionID)
	require.NoError(t, err)
	assert.False(t, flagged, "cancel marker is cleared with the terminal write")

	_, err = f.pending.Get(ctx, executionID)
	assert.ErrorIs(t, err, queue.ErrPendingNotFound)
}
