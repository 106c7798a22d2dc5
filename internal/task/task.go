// Package task provides progress reporting for long-running dataset
// operations. Reporters are passed down the clustering pipeline so each
// stage can surface its message and step count.
package task

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Reporter receives progress from a running operation. All methods must be
// safe for concurrent use. A nil *Progress is a valid no-op reporter.
type Reporter interface {
	SetMessage(msg string)
	SetTotal(total int64)
	Add(n int64)
}

type nopReporter struct{}

func (nopReporter) SetMessage(string) {}
func (nopReporter) SetTotal(int64)    {}
func (nopReporter) Add(int64)         {}

// OrNop substitutes a no-op reporter for a nil one so callers never have
// to nil-check before reporting.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return nopReporter{}
	}
	return r
}

// Progress is a thread-safe Reporter that optionally mirrors updates to a
// writer, one line per message change.
type Progress struct {
	mu    sync.Mutex
	w     io.Writer
	msg   string
	total int64
	done  atomic.Int64
}

// NewProgress returns a reporter writing message transitions to w. A nil
// writer keeps the counters without output.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

func (p *Progress) SetMessage(msg string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg == p.msg {
		return
	}
	p.msg = msg
	p.done.Store(0)
	p.total = 0
	if p.w != nil {
		fmt.Fprintln(p.w, msg)
	}
}

func (p *Progress) SetTotal(total int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.total = total
	p.mu.Unlock()
}

func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	p.done.Add(n)
}

// Snapshot returns the current message, completed count and total.
func (p *Progress) Snapshot() (msg string, done, total int64) {
	if p == nil {
		return "", 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msg, p.done.Load(), p.total
}
