package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	t.Run("legal edges", func(t *testing.T) {
		legal := [][2]string{
			{StatusPending, StatusRunning},
			{StatusPending, StatusFailed},
			{StatusPending, StatusCancelling},
			{StatusRunning, StatusSuccess},
			{StatusRunning, StatusFailed},
			{StatusRunning, StatusTimeout},
			{StatusRunning, StatusStuck},
			{StatusRunning, StatusCompletedWithErrors},
			{StatusRunning, StatusCancelling},
			{StatusCancelling, StatusCancelled},
			{StatusCancelling, StatusStuck},
			{StatusCancelling, StatusFailed},
		}
		for _, edge := range legal {
			assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
		}
	})

	t.Run("terminal states absorb", func(t *testing.T) {
		terminals := []string{StatusSuccess, StatusFailed, StatusTimeout, StatusStuck, StatusCompletedWithErrors, StatusCancelled}
		all := append([]string{StatusPending, StatusRunning, StatusCancelling}, terminals...)

		for _, from := range terminals {
			assert.True(t, IsTerminalStatus(from))
			for _, to := range all {
				assert.False(t, CanTransition(from, to), "%s -> %s should be rejected", from, to)
			}
		}
	})

	t.Run("no regression into pending", func(t *testing.T) {
		assert.Empty(t, StatusPredecessors(StatusPending))
	})

	t.Run("running is never skipped into cancelled", func(t *testing.T) {
		assert.False(t, CanTransition(StatusRunning, StatusCancelled))
		assert.ElementsMatch(t, []string{StatusCancelling}, StatusPredecessors(StatusCancelled))
	})

	t.Run("predecessors power conditional writes", func(t *testing.T) {
		assert.ElementsMatch(t, []string{StatusPending, StatusRunning, StatusCancelling}, StatusPredecessors(StatusFailed))
		assert.ElementsMatch(t, []string{StatusRunning}, StatusPredecessors(StatusSuccess))
		assert.ElementsMatch(t, []string{StatusPending, StatusRunning}, StatusPredecessors(StatusCancelling))
	})
}
