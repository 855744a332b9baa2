//go:build yara
// +build yara

package signature

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hillu/go-yara/v4"

	"edrcore/internal/alert"
)

// libyaraBackend scans with libyara. Each scan gets its own MatchRules
// callback, so no matcher state survives between files.
type libyaraBackend struct {
	rules *yara.Rules
	count int
}

func compileLibyara(dir string, o *compileOptions) (Backend, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && slices.Contains(o.extensions, strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	c, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("create yara compiler: %w", err)
	}
	defer c.Destroy()

	var problems []Problem
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			problems = append(problems, Problem{File: path, Message: err.Error()})
			continue
		}
		err = c.AddFile(f, DefaultNamespace)
		f.Close()
		if err != nil {
			for _, m := range c.Errors {
				problems = append(problems, Problem{File: path, Line: m.Line, Message: m.Text})
			}
			// The compiler cannot accept more sources after an error.
			break
		}
	}
	if len(problems) > 0 {
		return nil, &CompileError{Problems: problems}
	}

	rules, err := c.GetRules()
	if err != nil {
		return nil, fmt.Errorf("link yara rules: %w", err)
	}
	return &libyaraBackend{rules: rules, count: len(rules.GetRules())}, nil
}

func (b *libyaraBackend) RuleCount() int { return b.count }

func (b *libyaraBackend) ScanBytes(ctx context.Context, data []byte, _ int64) ([]Match, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	var found yara.MatchRules
	if err := b.rules.ScanMem(data, 0, timeout, &found); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(found))
	for _, m := range found {
		meta := make([]alert.MetaEntry, 0, len(m.Metas))
		for _, md := range m.Metas {
			meta = append(meta, alert.MetaEntry{Key: md.Identifier, Value: fmt.Sprint(md.Value)})
		}
		matches = append(matches, Match{
			Rule:      m.Rule,
			Namespace: m.Namespace,
			Tags:      slices.Clone(m.Tags),
			Metadata:  meta,
		})
	}
	return matches, nil
}
