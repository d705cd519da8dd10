package sandbox

import (
	"context"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/shirou/gopsutil/v4/process"
)

// Monitor event names
const (
	EventMemoryExceeded = "memory_exceeded"
	EventIdle           = "idle"
)

// Snapshot is one resource sample of an instance
type Snapshot struct {
	MemoryBytes uint64        `json:"memoryBytes"`
	DiskBytes   int64         `json:"diskBytes"`
	IdleFor     time.Duration `json:"idleFor"`
	At          time.Time     `json:"at"`
}

// MemorySampler reports the memory attributed to running instances
type MemorySampler func(ctx context.Context) (uint64, error)

// ProcessMemory samples the resident set size of the host process. All
// execution contexts share the host heap, so this is the figure a ceiling
// is enforced against.
func ProcessMemory() MemorySampler {
	var proc atomic.Pointer[process.Process]
	return func(ctx context.Context) (uint64, error) {
		p := proc.Load()
		if p == nil {
			created, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
			if err != nil {
				return 0, err
			}
			proc.Store(created)
			p = created
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
}

// DirSize sums regular file sizes under root. A missing root is empty.
func DirSize(root string) (int64, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total.Add(info.Size())
		return nil
	})
	return total.Load(), err
}

// thresholds tracks edge-triggered monitor events
type thresholds struct {
	memoryRaised bool
	idleRaised   bool
}

// evaluate returns the events a snapshot raises. Each event fires once per
// crossing and re-arms when the value falls back under its limit.
func (t *thresholds) evaluate(s Snapshot, maxMemory uint64, idleThreshold time.Duration) []string {
	var events []string

	over := maxMemory > 0 && s.MemoryBytes > maxMemory
	if over && !t.memoryRaised {
		events = append(events, EventMemoryExceeded)
	}
	t.memoryRaised = over

	idle := idleThreshold > 0 && s.IdleFor >= idleThreshold
	if idle && !t.idleRaised {
		events = append(events, EventIdle)
	}
	t.idleRaised = idle

	return events
}
