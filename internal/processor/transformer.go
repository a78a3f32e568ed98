package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// ErrNotificationRejected is returned when a script drops a notification
// by returning null or undefined
var ErrNotificationRejected = errors.New("notification rejected by script")

// Script is a user-supplied JavaScript hook run on every notification before
// it is broadcast. It may enrich the notification or drop it.
type Script struct {
	path    string
	program *goja.Program
	logger  *logrus.Logger
}

// LoadScript reads and validates a notification script. The script must
// evaluate to a function or define a function named 'transform'.
func LoadScript(path string, logger *logrus.Logger) (*Script, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification script: %w", err)
	}

	program, err := goja.Compile(path, string(content), false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification script: %w", err)
	}

	s := &Script{path: path, program: program, logger: logger}

	// Validate once in a throwaway runtime
	if _, err := s.resolve(goja.New()); err != nil {
		return nil, fmt.Errorf("invalid notification script: %w", err)
	}

	logger.Infof("Loaded notification script: %s", path)
	return s, nil
}

// resolve runs the program in vm and returns the function it exports
func (s *Script) resolve(vm *goja.Runtime) (goja.Callable, error) {
	result, err := vm.RunProgram(s.program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	// Anonymous function as the script's value
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	// Named transform function
	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Apply runs the script on a serialized notification and returns the payload
// to broadcast. ErrNotificationRejected means the notification must be dropped.
func (s *Script) Apply(payload []byte) ([]byte, error) {
	// goja.Runtime is not safe for concurrent use, so every call gets its own
	vm := goja.New()
	if err := s.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}

	fn, err := s.resolve(vm)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("notificationJSON", string(payload)); err != nil {
		return nil, fmt.Errorf("failed to set notification JSON: %w", err)
	}
	notification, err := vm.RunString("JSON.parse(notificationJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), notification)
	if err != nil {
		return nil, fmt.Errorf("script function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, ErrNotificationRejected
	}

	out, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script result: %w", err)
	}
	return out, nil
}

// setupConsoleBindings routes console.* calls to the logger
func (s *Script) setupConsoleBindings(vm *goja.Runtime) error {
	console := vm.NewObject()

	bind := func(name string, log func(args ...interface{})) error {
		return console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			log(fmt.Sprint(args...))
			return goja.Undefined()
		})
	}

	entry := s.logger.WithField("script", s.path)
	bindings := map[string]func(args ...interface{}){
		"log":   entry.Info,
		"info":  entry.Info,
		"warn":  entry.Warn,
		"error": entry.Error,
		"debug": entry.Debug,
	}
	for name, log := range bindings {
		if err := bind(name, log); err != nil {
			return err
		}
	}

	return vm.Set("console", console)
}
