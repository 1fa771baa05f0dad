package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/events"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/queue"
)

// newLogPipe builds a pipe whose durable writes land in sqlmock and whose
// event echoes go to a throwaway miniredis.
func newLogPipe(t *testing.T) (*events.LogPipe, sqlmock.Sqlmock) {
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

	pipe := events.NewLogPipe(
		repositories.NewExecutionLogRepository(gdb),
		events.NewPublisher(client),
		uuid.New(),
		nil,
	)
	return pipe, mock
}

// The log row's id column has a database default, so gorm issues the insert
// as a query with a RETURNING clause.
func expectLogInsert(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "execution_logs"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectCommit()
}

func TestClassifyOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("clean return is success", func(t *testing.T) {
		pipe, _ := newLogPipe(t)

		out := classifyOutcome(map[string]interface{}{"rows": 3.0}, nil, pipe, NewSecretRegistry())
		assert.Equal(t, models.StatusSuccess, out.status)
		assert.Equal(t, models.JSON{"rows": 3.0}, out.result)
		assert.Nil(t, out.errMsg)
		assert.Nil(t, out.errType)
	})

	t.Run("error-level log lines downgrade a clean return", func(t *testing.T) {
		pipe, mock := newLogPipe(t)
		expectLogInsert(mock)

		_, err := pipe.Append(ctx, models.LogLevelError, "step 2 failed, continuing", nil)
		require.NoError(t, err)

		out := classifyOutcome(nil, nil, pipe, NewSecretRegistry())
		assert.Equal(t, models.StatusCompletedWithErrors, out.status)
		assert.Nil(t, out.errMsg)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("timeout interrupts land in their own terminal state", func(t *testing.T) {
		pipe, _ := newLogPipe(t)

		out := classifyOutcome(nil, execErrorf(models.ErrTypeTimeout, "execution exceeded 30s"), pipe, NewSecretRegistry())
		assert.Equal(t, models.StatusTimeout, out.status)
		require.NotNil(t, out.errType)
		assert.Equal(t, models.ErrTypeTimeout, *out.errType)
	})

	t.Run("cancel interrupts land in their own terminal state", func(t *testing.T) {
		pipe, _ := newLogPipe(t)

		out := classifyOutcome(nil, execErrorf(models.ErrTypeCancelled, "cancelled by user"), pipe, NewSecretRegistry())
		assert.Equal(t, models.StatusCancelled, out.status)
		require.NotNil(t, out.errType)
		assert.Equal(t, models.ErrTypeCancelled, *out.errType)
	})

	t.Run("unclassified errors are infrastructure failures", func(t *testing.T) {
		pipe, _ := newLogPipe(t)

		out := classifyOutcome(nil, errors.New("dial tcp: connection refused"), pipe, NewSecretRegistry())
		assert.Equal(t, models.StatusFailed, out.status)
		require.NotNil(t, out.errType)
		assert.Equal(t, models.ErrTypeTransientInfrastructure, *out.errType)
		assert.Equal(t, "dial tcp: connection refused", *out.errMsg)
	})

	t.Run("registered secrets never reach the failure message", func(t *testing.T) {
		pipe, _ := newLogPipe(t)
		secrets := NewSecretRegistry()
		secrets.Register("sk-live-abcdef123456")

		out := classifyOutcome(nil, execErrorf(models.ErrTypeUserFailure, "auth failed for key sk-live-abcdef123456"), pipe, secrets)
		require.NotNil(t, out.errMsg)
		assert.NotContains(t, *out.errMsg, "sk-live-abcdef123456")
		assert.Contains(t, *out.errMsg, "***")
	})
}

func TestClassifyUnwrapsNestedExecErrors(t *testing.T) {
	wrapped := fmt.Errorf("run module: %w", execErrorf(models.ErrTypeTimeout, "deadline hit"))

	errType, msg := classify(wrapped)
	assert.Equal(t, models.ErrTypeTimeout, errType)
	assert.Equal(t, "deadline hit", msg)
}

func TestCoerceResult(t *testing.T) {
	assert.Nil(t, coerceResult(nil))
	assert.Equal(t, models.JSON{"ok": true}, coerceResult(map[string]interface{}{"ok": true}))
	assert.Equal(t, models.JSON{"result": "done"}, coerceResult("done"))
	assert.Equal(t, models.JSON{"result": 42.0}, coerceResult(42.0))
}

func TestRedactResult(t *testing.T) {
	t.Run("nothing registered leaves the result alone", func(t *testing.T) {
		result := models.JSON{"token": "sk-live-abcdef123456"}
		assert.Equal(t, result, redactResult(NewSecretRegistry(), result))
	})

	t.Run("string fields are scrubbed", func(t *testing.T) {
		secrets := NewSecretRegistry()
		secrets.Register("sk-live-abcdef123456")

		clean := redactResult(secrets, models.JSON{
			"token":  "sk-live-abcdef123456",
			"detail": "used key sk-live-abcdef123456 for auth",
		})
		assert.Equal(t, models.JSON{"token": "***", "detail": "used key *** for auth"}, clean)
	})

	t.Run("redaction that corrupts the JSON drops the result entirely", func(t *testing.T) {
		// A secret containing quote characters takes the field's delimiters
		// with it when replaced, leaving unparseable output.
		secrets := NewSecretRegistry()
		secrets.Register(`"quoted"`)

		assert.Nil(t, redactResult(secrets, models.JSON{"value": "quoted"}))
	})
}

func TestInlineSource(t *testing.T) {
	encode := func(source string) *string {
		enc := base64.StdEncoding.EncodeToString([]byte(source))
		return &enc
	}

	t.Run("pending record wins over the wire copy", func(t *testing.T) {
		msg := &broker.DispatchMessage{Code: encode("wire()")}
		record := &queue.PendingRecord{CodeB64: encode("authoritative()")}

		source, inline, err := inlineSource(msg, record)
		require.NoError(t, err)
		assert.True(t, inline)
		assert.Equal(t, "authoritative()", source)
	})

	t.Run("wire copy is the fallback", func(t *testing.T) {
		msg := &broker.DispatchMessage{Code: encode("wire()")}

		source, inline, err := inlineSource(msg, &queue.PendingRecord{})
		require.NoError(t, err)
		assert.True(t, inline)
		assert.Equal(t, "wire()", source)
	})

	t.Run("no code on either side means catalog source", func(t *testing.T) {
		source, inline, err := inlineSource(&broker.DispatchMessage{}, &queue.PendingRecord{})
		require.NoError(t, err)
		assert.False(t, inline)
		assert.Empty(t, source)
	})

	t.Run("invalid base64 is the submitter's fault", func(t *testing.T) {
		bad := "not-base64!!!"

		_, _, err := inlineSource(&broker.DispatchMessage{}, &queue.PendingRecord{CodeB64: &bad})
		var execErr *ExecError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, models.ErrTypeValidationError, execErr.Type)
	})
}
