package audio

// Default batching thresholds.
const (
	DefaultMaxChunks = 3
	DefaultMaxBytes  = 8192
)

// BatchConfig controls when a [Batcher] flushes.
type BatchConfig struct {
	// MaxChunks flushes once this many chunks are buffered. Default: 3.
	MaxChunks int

	// MaxBytes flushes once the buffered payload reaches this many bytes.
	// Default: 8192.
	MaxBytes int
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	return c
}

// Batch is an ordered run of chunks collected between two flushes.
type Batch struct {
	Chunks []Chunk
}

// Size returns the total payload size in bytes.
func (b Batch) Size() int {
	n := 0
	for _, c := range b.Chunks {
		n += len(c.Data)
	}
	return n
}

// Bytes concatenates all chunk payloads in order.
func (b Batch) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	for _, c := range b.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

// MIMEType returns the type of the first chunk that declares one.
func (b Batch) MIMEType() string {
	for _, c := range b.Chunks {
		if c.MIMEType != "" {
			return c.MIMEType
		}
	}
	return ""
}

// Batcher accumulates chunks and decides when to flush them. It is not safe
// for concurrent use; one orchestrator owns one batcher.
type Batcher struct {
	cfg    BatchConfig
	chunks []Chunk
	size   int
}

// NewBatcher returns a Batcher using cfg, filling zero fields with defaults.
func NewBatcher(cfg BatchConfig) *Batcher {
	return &Batcher{cfg: cfg.withDefaults()}
}

// Add buffers c. When either threshold is reached the buffered chunks are
// returned as a batch and the buffer is cleared, whatever the caller later
// does with the batch. Empty chunks are ignored.
func (b *Batcher) Add(c Chunk) (Batch, bool) {
	if len(c.Data) == 0 {
		return Batch{}, false
	}
	b.chunks = append(b.chunks, c)
	b.size += len(c.Data)
	if len(b.chunks) < b.cfg.MaxChunks && b.size < b.cfg.MaxBytes {
		return Batch{}, false
	}
	return b.Drain()
}

// Drain returns whatever is buffered and clears the buffer. ok is false when
// nothing was pending.
func (b *Batcher) Drain() (Batch, bool) {
	if len(b.chunks) == 0 {
		return Batch{}, false
	}
	out := Batch{Chunks: b.chunks}
	b.chunks = nil
	b.size = 0
	return out, true
}

// Pending reports the buffered chunk count and byte size.
func (b *Batcher) Pending() (chunks, bytes int) {
	return len(b.chunks), b.size
}
