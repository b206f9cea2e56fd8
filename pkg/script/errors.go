package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrorType categorizes script failures
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeResult   ErrorType = "result_error"
	ErrorTypeInternal ErrorType = "internal_error"
)

// Error is a structured script failure. It unwraps to ErrScript, a data error.
type Error struct {
	Type    ErrorType `json:"type"`
	Export  string    `json:"export,omitempty"`
	Message string    `json:"message"`
	Stack   []string  `json:"stack,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Type)
	if e.Export != "" {
		fmt.Fprintf(&b, " %s.process:", e.Export)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)

	for i, frame := range e.Stack {
		if i >= 10 {
			fmt.Fprintf(&b, "\n  ... %d more frames", len(e.Stack)-i)
			break
		}
		b.WriteString("\n  at ")
		b.WriteString(frame)
	}
	return b.String()
}

// Unwrap places script failures in the data error class.
func (e *Error) Unwrap() error { return sdkerrors.ErrScript }

// fromGoja converts an error raised by goja into an *Error.
func fromGoja(export string, err error) *Error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Error{Type: ErrorTypeTimeout, Export: export, Message: fmt.Sprintf("interrupted: %v", interrupted.Value())}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &Error{Type: ErrorTypeSyntax, Export: export, Message: syntax.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &Error{
			Type:    ErrorTypeRuntime,
			Export:  export,
			Message: exceptionMessage(exc),
			Stack:   parseStack(exc.String()),
		}
	}

	return &Error{Type: ErrorTypeInternal, Export: export, Message: err.Error()}
}

func exceptionMessage(exc *goja.Exception) string {
	if v := exc.Value(); v != nil {
		if obj, ok := v.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				name := obj.Get("name")
				if name != nil && !goja.IsUndefined(name) {
					return name.String() + ": " + msg.String()
				}
				return msg.String()
			}
		}
		return v.String()
	}
	return exc.Error()
}

// parseStack extracts the "at ..." frames from a goja exception rendering.
func parseStack(rendered string) []string {
	var frames []string
	for _, line := range strings.Split(rendered, "\n") {
		line = strings.TrimSpace(line)
		if frame, ok := strings.CutPrefix(line, "at "); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}
