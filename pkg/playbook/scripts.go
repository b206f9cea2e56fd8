package playbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ScriptDirs are the directories rule files are looked up in, in order.
type ScriptDirs struct {
	Logic     string
	Libraries string
}

// DefaultScriptDirs returns the channel layout used when no directories are
// configured: <root>/logic and <root>/../../libraries.
func (p *Playbook) DefaultScriptDirs() ScriptDirs {
	root := p.ChannelRoot()
	return ScriptDirs{
		Logic:     filepath.Join(root, "logic"),
		Libraries: filepath.Join(root, "..", "..", "libraries"),
	}
}

// Script is one rule source referenced by a Logic module.
type Script struct {
	// Name is the rule file name as written in the playbook.
	Name   string
	Path   string
	Source string
}

// Scripts resolves every rule referenced by the playbook's Logic modules and
// reads the sources. Rules are deduplicated by resolved path and returned in
// first-seen order. An unresolvable rule is a configuration error.
func (p *Playbook) Scripts(ctx context.Context, dirs ScriptDirs) ([]Script, error) {
	var scripts []Script
	seen := make(map[string]bool)

	for _, l := range p.LogicModules() {
		if len(l.Rules) == 0 {
			return nil, sdkerrors.Configf(l.Name(), "logic module has no rules")
		}
		for _, rule := range l.Rules {
			path, err := dirs.resolve(rule)
			if err != nil {
				return nil, sdkerrors.NewError("config", l.Name(), fmt.Sprintf("rule %q", rule), err)
			}
			if seen[path] {
				continue
			}
			seen[path] = true
			scripts = append(scripts, Script{Name: rule, Path: path})
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for i := range scripts {
		g.Go(func() error {
			src, err := os.ReadFile(scripts[i].Path)
			if err != nil {
				return fmt.Errorf("failed to read rule %s: %w", scripts[i].Path, err)
			}
			scripts[i].Source = string(src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scripts, nil
}

func (d ScriptDirs) resolve(name string) (string, error) {
	for _, dir := range []string{d.Logic, d.Libraries} {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: not found in %s or %s", sdkerrors.ErrConfiguration, d.Logic, d.Libraries)
}
