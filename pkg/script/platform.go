// Package script evaluates playbook business rules.
//
// A Platform holds the rule sources of a playbook, compiled once. Each worker
// owns a Runtime created from the platform: an isolated goja VM in which every
// source has been run, so that sources register their exports through the
// global bmp object:
//
//	bmp.exports("rate", { process: function (doc) { doc.billingmediation.route = "reject"; } });
//
// Runtimes are not safe for concurrent use.
package script

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Version is exposed to scripts as bmp.version.
const Version = "daedalus-1"

const bootstrapSource = `
var global = this;
this.bmp = {
  exports: function (name, object) { global.bmp.modules[name] = object; },
  require: function (name) { return global.bmp.modules[name]; },
  modules: {},
  version: ''
};
`

// Source is one rule file.
type Source struct {
	Name string
	Code string
}

// Platform compiles rule sources once and creates runtimes that share the
// compiled programs.
type Platform struct {
	sources []Source
	logger  *zap.Logger

	once      sync.Once
	initErr   error
	bootstrap *goja.Program
	programs  []*goja.Program
}

// NewPlatform creates a platform for sources. Nothing is compiled until Init.
func NewPlatform(sources []Source, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{sources: sources, logger: logger}
}

// Init compiles every source. It runs once; later calls return the first result.
func (p *Platform) Init() error {
	p.once.Do(func() {
		p.bootstrap, p.initErr = goja.Compile("bmp-bootstrap.js", bootstrapSource, false)
		if p.initErr != nil {
			return
		}

		p.programs = make([]*goja.Program, 0, len(p.sources))
		for _, src := range p.sources {
			// Each source gets its own block so top-level let/const do not collide.
			prog, err := goja.Compile(src.Name, "{"+src.Code+"\n}", false)
			if err != nil {
				p.initErr = sdkerrors.NewError("script", "", fmt.Sprintf("failed to compile %s", src.Name),
					fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, fromGoja("", err)))
				return
			}
			p.programs = append(p.programs, prog)
		}
		p.logger.Debug("Script platform initialized", zap.Int("sources", len(p.sources)))
	})
	return p.initErr
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Logger receives console output. Defaults to the platform's logger.
	Logger *zap.Logger
}

// NewRuntime creates an isolated runtime with every source loaded. It calls Init
// if that has not happened yet.
func (p *Platform) NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if err := p.Init(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = p.logger
	}

	vm := goja.New()
	if err := applySandbox(vm, logger); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}

	if _, err := vm.RunProgram(p.bootstrap); err != nil {
		return nil, fmt.Errorf("failed to install bmp registry: %w", err)
	}
	bmp := vm.Get("bmp").ToObject(vm)
	if err := bmp.Set("version", Version); err != nil {
		return nil, fmt.Errorf("failed to set bmp.version: %w", err)
	}

	for i, prog := range p.programs {
		if _, err := vm.RunProgram(prog); err != nil {
			return nil, sdkerrors.NewError("script", "", fmt.Sprintf("failed to load %s", p.sources[i].Name),
				fmt.Errorf("%w: %v", sdkerrors.ErrConfiguration, fromGoja("", err)))
		}
	}

	return newRuntime(vm, bmp.Get("modules").ToObject(vm), logger)
}

// Sources returns the platform's sources in load order.
func (p *Platform) Sources() []Source {
	return p.sources
}
