// Package oom selects and kills processes when the system runs out of
// physical memory.
package oom

import (
	"io"
	"math"

	"github.com/npequeux/rinux-sub000/kernel/kfmt"
	ksync "github.com/npequeux/rinux-sub000/kernel/sync"
)

// DefaultMinFreeMemory is the free-memory threshold below which the killer
// starts looking for victims.
const DefaultMinFreeMemory = 16 * 1024 * 1024

// ProcessInfo carries the per-process facts the killer scores on.
type ProcessInfo struct {
	PID         int32
	MemoryUsage uint64
	ScoreAdj    int16
	IsKernel    bool
	IsInit      bool
}

// Score rates how eligible the process is for killing; higher scores are
// killed first. Kernel processes and init are never eligible. For everyone
// else the score is the memory usage in MiB shifted by the user-set
// adjustment and floored at zero.
func (p ProcessInfo) Score() int64 {
	if p.IsKernel || p.IsInit {
		return math.MinInt64
	}

	score := int64(p.MemoryUsage/(1024*1024)) + int64(p.ScoreAdj)
	if score < 0 {
		score = 0
	}
	return score
}

// ProcessSource supplies the killer with the live process list and carries
// out the kills it decides on.
type ProcessSource interface {
	// Processes returns scoring information for every live process.
	Processes() []ProcessInfo

	// Kill terminates the process and reports whether it succeeded.
	Kill(pid int32) bool
}

// Killer decides when memory pressure warrants killing a process and which
// process dies.
type Killer struct {
	lock    ksync.Spinlock
	procs   ProcessSource
	enabled bool
	minFree uint64
	kills   uint64
	log     io.Writer
}

// NewKiller returns an enabled killer consulting procs, triggering below
// DefaultMinFreeMemory free bytes.
func NewKiller(procs ProcessSource) *Killer {
	return &Killer{
		procs:   procs,
		enabled: true,
		minFree: DefaultMinFreeMemory,
		log:     kfmt.PrefixedOutput("[oom] "),
	}
}

// Enabled returns true if the killer will act on memory pressure.
func (k *Killer) Enabled() bool {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.enabled
}

// Enable arms the killer.
func (k *Killer) Enable() {
	k.lock.Acquire()
	k.enabled = true
	k.lock.Release()
}

// Disable disarms the killer. Allocations will fail outright when memory
// runs out.
func (k *Killer) Disable() {
	k.lock.Acquire()
	k.enabled = false
	k.lock.Release()
}

// SetMinFreeMemory changes the free-memory threshold below which Trigger
// acts.
func (k *Killer) SetMinFreeMemory(bytes uint64) {
	k.lock.Acquire()
	k.minFree = bytes
	k.lock.Release()
}

// Kills returns the number of processes killed so far.
func (k *Killer) Kills() uint64 {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.kills
}

// SelectVictim returns the PID of the highest-scoring process. There is no
// victim when the list is empty or contains only unkillable processes.
func (k *Killer) SelectVictim(processes []ProcessInfo) (int32, bool) {
	bestScore := int64(math.MinInt64)
	var (
		victim int32
		found  bool
	)

	for _, p := range processes {
		if score := p.Score(); score > bestScore {
			bestScore = score
			victim = p.PID
			found = true
		}
	}

	return victim, found
}

// Trigger reacts to an allocation failure with freeBytes of physical
// memory left. If the killer is armed and free memory is below the
// threshold, the highest-scoring process is killed. The victim's PID is
// returned when a kill happened.
func (k *Killer) Trigger(freeBytes uint64) (int32, bool) {
	k.lock.Acquire()
	if !k.enabled || freeBytes >= k.minFree {
		k.lock.Release()
		return 0, false
	}
	k.lock.Release()

	victim, found := k.SelectVictim(k.procs.Processes())
	if !found {
		return 0, false
	}

	if !k.procs.Kill(victim) {
		return 0, false
	}

	k.lock.Acquire()
	k.kills++
	k.lock.Release()

	kfmt.Fprintf(k.log, "killed process %d to reclaim memory\n", victim)
	return victim, true
}

// UnderPressure returns true if less than a tenth of physical memory is
// free.
func UnderPressure(freeBytes, totalBytes uint64) bool {
	if totalBytes == 0 {
		return false
	}
	return freeBytes < totalBytes/10
}
