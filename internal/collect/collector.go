package collect

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"edrcore/internal/alert"
	"edrcore/internal/telemetry"
)

// Collector runs every enabled collector once.
type Collector struct {
	Processes   bool
	Connections bool
	Registry    bool
	// Roots are walked for files; empty disables file collection.
	Roots []string

	ProcessOptions ProcessOptions
	FileOptions    FileOptions
}

// Snapshot collects a full snapshot. Collector failures are returned as
// collect-stage diagnostics next to whatever the other collectors found.
func (c *Collector) Snapshot(ctx context.Context) (telemetry.Snapshot, []alert.Diagnostic) {
	var snap telemetry.Snapshot
	var procErr, connErr, fileErr, regErr error

	// Process names feed connection records, so processes go first.
	if c.Processes || c.Connections {
		snap.Processes, procErr = Processes(ctx, c.ProcessOptions)
	}

	g := new(errgroup.Group)
	if c.Connections {
		names := make(map[int32]string, len(snap.Processes))
		for _, p := range snap.Processes {
			names[p.PID] = p.Name
		}
		g.Go(func() error {
			snap.Connections, connErr = Connections(ctx, names)
			return nil
		})
	}
	if len(c.Roots) > 0 {
		g.Go(func() error {
			snap.Files, fileErr = Files(ctx, c.Roots, c.FileOptions)
			return nil
		})
	}
	if c.Registry {
		g.Go(func() error {
			snap.Registry, regErr = Registry(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if !c.Processes {
		snap.Processes = nil
	}

	var diags []alert.Diagnostic
	for _, e := range []struct {
		what string
		err  error
	}{
		{"processes", procErr},
		{"connections", connErr},
		{"files", fileErr},
		{"registry", regErr},
	} {
		if e.err != nil {
			diags = append(diags, alert.Diagnostic{
				Stage:   alert.StageCollect,
				Subject: e.what,
				Message: fmt.Sprintf("collection incomplete: %v", e.err),
			})
		}
	}
	return snap, diags
}
