// Package collect gathers raw telemetry from the running system: processes
// and sockets through gopsutil, flagged files through a filesystem walk,
// and autorun registry values on Windows.
//
// Collectors never fail a run. A record whose details cannot be read keeps
// its optional fields empty; a collector that cannot enumerate at all
// returns the error next to whatever it gathered.
package collect

import (
	"context"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"edrcore/internal/telemetry"
)

// ProcessOptions controls process enrichment.
type ProcessOptions struct {
	// HashExecutables computes the SHA-256 of each process image.
	HashExecutables bool
	// Owner resolves process owners; nil uses gopsutil's username lookup.
	Owner telemetry.ProcessOwnerResolver
	// Workers bounds concurrent per-process lookups.
	Workers int
}

// GopsutilOwner resolves owners with gopsutil. On Windows the name is
// returned as DOMAIN\user.
var GopsutilOwner = telemetry.OwnerFunc(func(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.UsernameWithContext(ctx)
})

// Processes lists running processes. Processes that exit during
// enumeration are dropped.
func Processes(ctx context.Context, opts ProcessOptions) ([]telemetry.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	owner := opts.Owner
	if owner == nil {
		owner = GopsutilOwner
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	hashes := newHashCache()

	out := make([]telemetry.Process, len(procs))
	keep := make([]bool, len(procs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range procs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, ok := describe(gctx, p, owner)
			if !ok {
				return nil
			}
			if opts.HashExecutables && rec.Exe != nil {
				rec.Hash = hashes.get(*rec.Exe)
			}
			out[i], keep[i] = rec, true
			return nil
		})
	}
	err = g.Wait()

	result := make([]telemetry.Process, 0, len(procs))
	for i := range out {
		if keep[i] {
			result = append(result, out[i])
		}
	}
	return result, err
}

// describe reads what it can about p. A process whose name cannot be read
// has usually exited and is reported as not ok.
func describe(ctx context.Context, p *process.Process, owner telemetry.ProcessOwnerResolver) (telemetry.Process, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return telemetry.Process{}, false
	}

	rec := telemetry.Process{PID: p.Pid, Name: name}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		rec.PPID = telemetry.Ptr(ppid)
	}
	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		rec.Exe = telemetry.Ptr(exe)
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		rec.Status = telemetry.Ptr(strings.Join(st, ","))
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		rec.CPUPercent = float32(cpu)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rec.MemoryBytes = telemetry.Ptr(mem.RSS)
	}
	if user, err := owner.Owner(ctx, p.Pid); err == nil && user != "" {
		rec.User = telemetry.Ptr(user)
	}
	return rec, true
}

// hashCache hashes each executable path once per collection pass.
type hashCache struct {
	group singleflight.Group
	mu    sync.Mutex
	done  map[string]*string
}

func newHashCache() *hashCache {
	return &hashCache{done: make(map[string]*string)}
}

func (c *hashCache) get(path string) *string {
	c.mu.Lock()
	res, ok := c.done[path]
	c.mu.Unlock()

	if !ok {
		v, _, _ := c.group.Do(path, func() (any, error) {
			var sum *string
			if h, err := telemetry.HashFile(path); err == nil {
				sum = &h
			}
			c.mu.Lock()
			c.done[path] = sum
			c.mu.Unlock()
			return sum, nil
		})
		res, _ = v.(*string)
	}
	if res == nil {
		return nil
	}
	// Each record gets its own copy.
	return telemetry.Ptr(*res)
}
