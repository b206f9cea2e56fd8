package script

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// hostGlobals are removed from every runtime; rules must not reach the host.
var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// applySandbox strips host globals and installs console.
func applySandbox(vm *goja.Runtime, logger *zap.Logger) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return installConsole(vm, logger)
}

// installConsole forwards console.* calls to logger.
func installConsole(vm *goja.Runtime, logger *zap.Logger) error {
	console := vm.NewObject()
	levels := map[string]func(string, ...zap.Field){
		"log":   logger.Info,
		"info":  logger.Info,
		"debug": logger.Debug,
		"warn":  logger.Warn,
		"error": logger.Error,
	}

	for name, logFn := range levels {
		logFn := logFn
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			logFn(strings.Join(parts, " "), zap.String("source", "script"))
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to install console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}
