package transfer

import (
	"io"
	"log/slog"
	"sync"
)

// ReceiverConfig carries the callbacks a Receiver reports through. Both
// callbacks are invoked from whatever goroutine delivers channel
// messages, OnFile at most once per completed transfer.
type ReceiverConfig struct {
	// OnProgress receives the whole percent of declared bytes seen so
	// far. Values never decrease within one transfer.
	OnProgress func(percent int)

	// OnFile receives the reassembled file when DONE arrives.
	OnFile func(meta Meta, data []byte)

	Log *slog.Logger
}

// metaPreallocLimit caps how much buffer a remote-declared size may
// reserve up front. The declared size is a peer's claim, not a fact; the
// buffer grows from bytes that actually arrive.
const metaPreallocLimit = 16 << 20

// Receiver reassembles one incoming transfer at a time. A new META
// discards any partial state from an interrupted transfer.
type Receiver struct {
	log        *slog.Logger
	onProgress func(percent int)
	onFile     func(meta Meta, data []byte)

	mu      sync.Mutex
	meta    *Meta
	data    []byte
	lastPct int
}

// NewReceiver builds a Receiver with cfg's callbacks.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Receiver{
		log:        log,
		onProgress: cfg.OnProgress,
		onFile:     cfg.OnFile,
	}
}

// HandleMessage consumes one channel message. Text frames are control
// messages, binary frames are chunks of the current transfer.
func (r *Receiver) HandleMessage(data []byte, isText bool) {
	if isText {
		r.handleControl(data)
		return
	}
	r.handleChunk(data)
}

// Reset discards any in-flight transfer, for use when the channel is
// torn down mid-stream.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Receiver) resetLocked() {
	r.meta = nil
	r.data = nil
	r.lastPct = 0
}

func (r *Receiver) handleControl(raw []byte) {
	msg, err := parseControl(raw)
	if err != nil {
		r.log.Warn("ignoring malformed control message", "err", err)
		return
	}

	r.mu.Lock()
	switch msg.Type {
	case controlMeta:
		r.resetLocked()
		meta := *msg.Meta
		r.meta = &meta
		prealloc := meta.Size
		if prealloc > metaPreallocLimit {
			prealloc = metaPreallocLimit
		}
		r.data = make([]byte, 0, prealloc)
		r.mu.Unlock()
	case controlDone:
		if r.meta == nil {
			r.mu.Unlock()
			r.log.Warn("ignoring done without preceding meta")
			return
		}
		meta := *r.meta
		data := r.data
		r.resetLocked()
		r.mu.Unlock()
		if int64(len(data)) != meta.Size {
			r.log.Warn("transfer completed with size mismatch",
				"name", meta.Name, "declared", meta.Size, "received", len(data))
		}
		if r.onFile != nil {
			r.onFile(meta, data)
		}
	default:
		r.mu.Unlock()
	}
}

func (r *Receiver) handleChunk(chunk []byte) {
	r.mu.Lock()
	if r.meta == nil {
		r.mu.Unlock()
		r.log.Warn("ignoring chunk without preceding meta", "bytes", len(chunk))
		return
	}
	r.data = append(r.data, chunk...)
	pct := int(int64(len(r.data)) * 100 / r.meta.Size)
	if pct > 100 {
		pct = 100
	}
	changed := pct > r.lastPct
	if changed {
		r.lastPct = pct
	}
	r.mu.Unlock()

	if changed && r.onProgress != nil {
		r.onProgress(pct)
	}
}
