package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/runstore"
)

// Broadcaster fans audit events out to multiple SSE clients with history
// replay. Thread-safe. Slow clients are dropped rather than blocking the
// tailer.
type Broadcaster struct {
	mu      sync.Mutex
	history []map[string]any
	clients map[uint64]chan map[string]any
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close, not on slow-client drops
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan map[string]any),
		doneCh:  make(chan struct{}),
	}
}

// Send appends the event to history and delivers it to every subscriber.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays all history first. The done channel
// closes only when the broadcaster closes, which lets callers distinguish
// a finished stream from a slow-client drop.
func (b *Broadcaster) Subscribe() (<-chan map[string]any, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan map[string]any, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold all history plus live headroom, so replay never
	// blocks while the mutex is held.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close ends the stream; all client channels are closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.history))
	copy(out, b.history)
	return out
}

// pollInterval is the fallback cadence when fsnotify cannot watch the log
// directory (some filesystems do not support inotify).
const pollInterval = 2 * time.Second

// auditTailer follows logs/audit.jsonl and feeds each appended record into
// a Broadcaster. The log is append-only, so tailing is a monotone offset.
type auditTailer struct {
	store  *runstore.Store
	logger *zap.Logger
	b      *Broadcaster

	mu     sync.Mutex
	offset int64
}

func newAuditTailer(st *runstore.Store, logger *zap.Logger) *auditTailer {
	return &auditTailer{store: st, logger: logger, b: NewBroadcaster()}
}

// Start replays the existing log and follows appends until ctx ends.
func (t *auditTailer) Start(ctx context.Context) error {
	path, err := t.store.Abs(runstore.AuditLog)
	if err != nil {
		return err
	}
	if err := t.drain(path); err != nil {
		return err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		werr = watcher.Add(path)
	}
	if werr != nil {
		t.logger.Warn("fsnotify unavailable; polling the audit log", zap.Error(werr))
		if watcher != nil {
			_ = watcher.Close()
		}
		go t.pollLoop(ctx, path)
		return nil
	}
	go t.watchLoop(ctx, watcher, path)
	return nil
}

func (t *auditTailer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()
	// A slow ticker backstops missed events.
	ticker := time.NewTicker(10 * pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := t.drain(path); err != nil {
					t.logger.Warn("audit tail failed", zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("fsnotify error", zap.Error(err))
		case <-ticker.C:
			_ = t.drain(path)
		}
	}
}

func (t *auditTailer) pollLoop(ctx context.Context, path string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.drain(path); err != nil {
				t.logger.Warn("audit tail failed", zap.Error(err))
			}
		}
	}
}

// drain reads records appended since the last offset and broadcasts them.
func (t *auditTailer) drain(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial trailing line is a write in flight; re-read it
			// on the next drain.
			return nil
		}
		t.offset += int64(len(line))
		var ev map[string]any
		if jerr := json.Unmarshal(line, &ev); jerr != nil {
			t.logger.Warn("skipping malformed audit line", zap.Error(jerr))
			continue
		}
		t.b.Send(ev)
	}
}

func (t *auditTailer) Close() { t.b.Close() }

// WriteSSE streams broadcaster events to an HTTP response as Server-Sent
// Events: full history first, then live records.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop; disconnect silently.
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
