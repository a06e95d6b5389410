package logbuf

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of lines kept when New is given a non-positive size.
const DefaultCapacity = 2000

// Source tags where a line came from.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceStdout     Source = "stdout"
	SourceStderr     Source = "stderr"
)

// Line is a single timestamped log entry. Seq is strictly increasing per Buffer
// and starts at 1, so a reader can detect evicted lines by a gap in Seq.
type Line struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Source Source    `json:"source"`
	Text   string    `json:"text"`
}

// Buffer is a bounded, append-only ring of Lines. It is safe for concurrent
// writers (supervisor, both stream relays, UI). When full the oldest line is
// evicted.
type Buffer struct {
	mu    sync.RWMutex
	lines []Line
	start int // index of oldest line
	count int
	seq   uint64
	subs  map[chan Line]struct{}
	now   func() time.Time
}

// New creates a Buffer holding at most capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines: make([]Line, capacity),
		subs:  make(map[chan Line]struct{}),
		now:   time.Now,
	}
}

// Append records a line and fans it out to subscribers. It never blocks on a
// slow subscriber: if its channel is full the oldest pending value is dropped.
func (b *Buffer) Append(src Source, text string) {
	b.mu.Lock()
	b.seq++
	ln := Line{Seq: b.seq, Time: b.now(), Source: src, Text: text}
	capacity := len(b.lines)
	if b.count < capacity {
		b.lines[(b.start+b.count)%capacity] = ln
		b.count++
	} else {
		b.lines[b.start] = ln
		b.start = (b.start + 1) % capacity
	}
	// sends are non-blocking, so fan-out under the lock keeps cancel from
	// closing a channel mid-send
	for ch := range b.subs {
		deliver(ch, ln)
	}
	b.mu.Unlock()
}

func deliver(ch chan Line, ln Line) {
	select {
	case ch <- ln:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ln:
		default:
		}
	}
}

// Since returns lines with Seq > seq in order. lost reports whether lines
// after seq were already evicted.
func (b *Buffer) Since(seq uint64) (out []Line, lost bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	capacity := len(b.lines)
	for i := 0; i < b.count; i++ {
		ln := b.lines[(b.start+i)%capacity]
		if ln.Seq > seq {
			if len(out) == 0 && ln.Seq > seq+1 {
				lost = true
			}
			out = append(out, ln)
		}
	}
	return out, lost
}

// Tail returns the last n lines (all lines when n <= 0).
func (b *Buffer) Tail(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	capacity := len(b.lines)
	out := make([]Line, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.lines[(b.start+i)%capacity])
	}
	return out
}

// LastSeq returns the sequence number of the newest line, or 0.
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the ring capacity.
func (b *Buffer) Cap() int { return len(b.lines) }

// Subscribe returns a channel receiving every subsequent line, and a cancel
// func that unregisters and closes it.
func (b *Buffer) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
