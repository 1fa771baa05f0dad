package hooks

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// MatchFilter evaluates a subscription's filter expression against an event.
// The expression sees the decoded body as `payload` and the event type as
// `event_type`, and must produce a boolean. An empty expression matches
// everything.
func MatchFilter(expression, eventType string, payload map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	env := map[string]interface{}{
		"payload":    payload,
		"event_type": eventType,
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compiling filter: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating filter: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", out)
	}
	return matched, nil
}
