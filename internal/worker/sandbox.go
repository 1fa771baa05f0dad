package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/dop251/goja"
)

// Interrupt reasons installed into the VM. Classification of an interrupted
// run depends on which one fired.
const (
	interruptTimeout   = "wall-clock budget exceeded"
	interruptCancelled = "execution cancelled"
)

// LogSink receives console output emitted by sandboxed code.
type LogSink interface {
	Append(ctx context.Context, level, message string, metadata map[string]interface{}) (int64, error)
}

// Sandbox runs one workflow function inside a fresh goja VM. A sandbox is
// single-use: the VM keeps whatever globals the module defined, so it is
// discarded with the execution that owns it.
type Sandbox struct {
	vm      *goja.Runtime
	timeout time.Duration
	logs    LogSink

	runCtx context.Context
}

func NewSandbox(timeout time.Duration, logs LogSink) *Sandbox {
	s := &Sandbox{
		vm:      goja.New(),
		timeout: timeout,
		logs:    logs,
		runCtx:  context.Background(),
	}
	s.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	// Remove dangerous globals
	_ = s.vm.Set("eval", goja.Undefined())
	_ = s.vm.Set("Function", goja.Undefined())

	s.installConsole()
	return s
}

// Cancel interrupts the running script. The interrupt surfaces as a
// Cancelled classification once the VM unwinds.
func (s *Sandbox) Cancel() {
	s.vm.Interrupt(interruptCancelled)
}

// RunModule evaluates the compiled module and then calls functionName with
// the supplied parameters. A module that does not define the function is a
// user code fault.
func (s *Sandbox) RunModule(ctx context.Context, program *goja.Program, functionName string, params map[string]interface{}) (interface{}, error) {
	return s.run(ctx, func() (goja.Value, error) {
		if _, err := s.vm.RunProgram(program); err != nil {
			return nil, err
		}

		fn, ok := goja.AssertFunction(s.vm.Get(functionName))
		if !ok {
			return nil, execErrorf(models.ErrTypeUserFailure, "function %q is not defined by the module", functionName)
		}
		return fn(goja.Undefined(), s.vm.ToValue(params))
	})
}

// RunInline evaluates source directly; parameters are exposed as a `params`
// global and the script's completion value becomes the result.
func (s *Sandbox) RunInline(ctx context.Context, source string, params map[string]interface{}) (interface{}, error) {
	if err := s.vm.Set("params", params); err != nil {
		return nil, err
	}
	return s.run(ctx, func() (goja.Value, error) {
		return s.vm.RunString(source)
	})
}

func (s *Sandbox) run(ctx context.Context, eval func() (goja.Value, error)) (interface{}, error) {
	s.runCtx = ctx

	// Set up timeout
	timer := time.AfterFunc(s.timeout, func() {
		s.vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	// Execute with panic recovery
	var (
		result  interface{}
		execErr error
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				execErr = execErrorf(models.ErrTypeUserFailure, "runtime panic: %v", r)
			}
		}()

		val, err := eval()
		if err != nil {
			execErr = classifyScriptError(err)
			return
		}
		result = exportValue(val)
	}()

	select {
	case <-ctx.Done():
		s.vm.Interrupt(interruptCancelled)
		<-done
		return nil, &ExecError{Type: models.ErrTypeCancelled, Message: interruptCancelled, Err: ctx.Err()}
	case <-done:
		return result, execErr
	}
}

// classifyScriptError maps goja failure modes onto the error taxonomy:
// interrupts split into Timeout and Cancelled by their installed reason,
// everything thrown by the script itself is a UserFailure.
func classifyScriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if fmt.Sprint(interrupted.Value()) == interruptCancelled {
			return &ExecError{Type: models.ErrTypeCancelled, Message: interruptCancelled}
		}
		return &ExecError{Type: models.ErrTypeTimeout, Message: interruptTimeout}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ExecError{Type: models.ErrTypeUserFailure, Message: exception.String()}
	}
	return &ExecError{Type: models.ErrTypeUserFailure, Message: err.Error()}
}

func (s *Sandbox) installConsole() {
	writeLog := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if s.logs != nil {
				_, _ = s.logs.Append(s.runCtx, level, formatConsoleArgs(call.Arguments), nil)
			}
			return goja.Undefined()
		}
	}

	console := s.vm.NewObject()
	_ = console.Set("log", writeLog(models.LogLevelInfo))
	_ = console.Set("info", writeLog(models.LogLevelInfo))
	_ = console.Set("debug", writeLog(models.LogLevelDebug))
	_ = console.Set("warn", writeLog(models.LogLevelWarn))
	_ = console.Set("error", writeLog(models.LogLevelError))
	_ = s.vm.Set("console", console)
}

func formatConsoleArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatConsoleValue(arg))
	}
	return strings.Join(parts, " ")
}

func formatConsoleValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	switch exported := v.Export().(type) {
	case map[string]interface{}, []interface{}:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}

func exportValue(val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
