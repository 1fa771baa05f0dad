package broker

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMessageWireShape(t *testing.T) {
	id := uuid.MustParse("a2f1b8a0-6f0f-4df0-9c8a-2f9efc0c6f01")
	code := "Y29uc29sZS5sb2coMSk="

	t.Run("with inline code", func(t *testing.T) {
		body, err := DispatchMessage{
			ExecutionID:  id,
			WorkflowName: "nightly-report",
			Code:         &code,
			Sync:         true,
		}.Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"execution_id": "a2f1b8a0-6f0f-4df0-9c8a-2f9efc0c6f01",
			"workflow_name": "nightly-report",
			"code": "Y29uc29sZS5sb2coMSk=",
			"sync": true
		}`, string(body))
	})

	t.Run("code is null when absent", func(t *testing.T) {
		body, err := DispatchMessage{
			ExecutionID:  id,
			WorkflowName: "nightly-report",
		}.Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"execution_id": "a2f1b8a0-6f0f-4df0-9c8a-2f9efc0c6f01",
			"workflow_name": "nightly-report",
			"code": null,
			"sync": false
		}`, string(body))
	})

	t.Run("round trip", func(t *testing.T) {
		in := DispatchMessage{ExecutionID: id, WorkflowName: "n", Code: &code, Sync: true}
		body, err := in.Marshal()
		require.NoError(t, err)
		out, err := UnmarshalDispatch(body)
		require.NoError(t, err)
		assert.Equal(t, in, *out)
	})
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 0, Attempts(amqp.Delivery{}))
	assert.Equal(t, 0, Attempts(amqp.Delivery{Headers: amqp.Table{}}))
	assert.Equal(t, 3, Attempts(amqp.Delivery{Headers: amqp.Table{AttemptsHeader: int32(3)}}))
	assert.Equal(t, 7, Attempts(amqp.Delivery{Headers: amqp.Table{AttemptsHeader: int64(7)}}))
	assert.Equal(t, 0, Attempts(amqp.Delivery{Headers: amqp.Table{AttemptsHeader: "bogus"}}))
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("redis: connection refused")

	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.Nil(t, Transient(nil))

	// Wrapping survives fmt-style chains.
	wrapped := Transient(base)
	assert.ErrorIs(t, wrapped, base)
}

func TestCodingResponseExchange(t *testing.T) {
	session := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "coding.responses.11111111-2222-3333-4444-555555555555", CodingResponseExchange(session))
}
