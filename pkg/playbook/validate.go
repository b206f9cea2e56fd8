package playbook

import (
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Path    string `json:"path"`
	Module  string `json:"module,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s (module %s): %s", e.Path, e.Module, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every failure found in a playbook. It unwraps to
// ErrConfiguration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid playbook: " + strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error { return sdkerrors.ErrConfiguration }

// Validate checks the structural rules a playbook must satisfy before an
// execution tree can be built from it:
//   - the module list is non-empty and starts with an ingestion module
//   - ingestion modules appear only at the root
//   - module names are unique, non-empty and free of path separators
//   - input references are well formed and name an existing, different module
//   - splitting paths are non-empty, logic rules name a .js export, and reporting
//     frequencies are known
func (p *Playbook) Validate() error {
	var errs ValidationErrors
	add := func(i int, name, format string, args ...any) {
		errs = append(errs, ValidationError{
			Path:    fmt.Sprintf("modules[%d]", i),
			Module:  name,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(p.Modules) == 0 {
		return ValidationErrors{{Path: "modules", Message: "playbook declares no modules"}}
	}

	names := make(map[string]int, len(p.Modules))
	for i, m := range p.Modules {
		name := m.Name()
		if name == "" {
			add(i, "", "module name is empty")
			continue
		}
		if !ValidModuleName(name) {
			add(i, name, "module name must not contain path separators or be . or ..")
			continue
		}
		if prev, dup := names[name]; dup {
			add(i, name, "duplicate module name, first declared at modules[%d]", prev)
			continue
		}
		names[name] = i
	}

	if !IsIngestion(p.Modules[0]) {
		add(0, p.Modules[0].Name(), "root module must be MessageIngestion or FileIngestion, got %s", p.Modules[0].Kind())
	}

	for i, m := range p.Modules {
		if i > 0 && IsIngestion(m) {
			add(i, m.Name(), "%s is only allowed as the first module", m.Kind())
		}

		if ref, ok := m.Input(); ok {
			producer, _, valid := ParseInput(ref)
			switch {
			case !valid:
				add(i, m.Name(), "input %q must have the form <module>.<route>", ref)
			case producer == m.Name():
				add(i, m.Name(), "input %q refers to the module itself", ref)
			default:
				if _, found := names[producer]; !found {
					add(i, m.Name(), "input %q refers to unknown module %q", ref, producer)
				}
			}
		}

		switch mod := m.(type) {
		case Splitting:
			if strings.Trim(mod.ArrayPath, ".") == "" {
				add(i, mod.Name(), "arrayPath is empty")
			}
		case Logic:
			if _, err := mod.ExportName(); err != nil {
				add(i, mod.Name(), "%s", configMessage(err))
			}
		case Reporting:
			if _, err := mod.Scheduling.Schedule(); err != nil {
				add(i, mod.Name(), "%v", err)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidModuleName reports whether name can be used as a file name for the
// module's output.
func ValidModuleName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func configMessage(err error) string {
	if e, ok := err.(*sdkerrors.Error); ok {
		return e.Message
	}
	return err.Error()
}
