package commentary

import (
	"context"
	"io"
	"sync"

	"github.com/nlaroche/glazebot/pkg/core/voice/audio"
)

// StreamingAudioPlayer queues audio chunks as they arrive and feeds them to
// an Output, so playback starts before the whole payload is received.
type StreamingAudioPlayer struct {
	out audio.Output

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	ended   bool
	aborted bool

	// OnFirstPlay is called once when the first audio reaches the device.
	OnFirstPlay func()
}

func NewStreamingAudioPlayer(out audio.Output) *StreamingAudioPlayer {
	p := &StreamingAudioPlayer{out: out}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// AppendChunk queues a chunk. Chunks appended before Play are kept.
func (p *StreamingAudioPlayer) AppendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	if !p.ended && !p.aborted {
		p.queue = append(p.queue, chunk)
	}
	p.mu.Unlock()
	p.cond.Signal()
}

// End marks the stream complete; Play returns once the queue drains.
func (p *StreamingAudioPlayer) End() {
	p.mu.Lock()
	p.ended = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Play plays queued and future chunks until End has been called and the
// queue is drained, ctx is cancelled, or the output fails.
func (p *StreamingAudioPlayer) Play(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.abort)
	defer stop()
	err := p.out.Play(ctx, p, p.OnFirstPlay)
	if ctx.Err() != nil {
		p.abort()
	}
	return err
}

func (p *StreamingAudioPlayer) abort() {
	p.mu.Lock()
	p.aborted = true
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Read implements io.Reader for the output device.
func (p *StreamingAudioPlayer) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.ended && !p.aborted {
		p.cond.Wait()
	}
	if p.aborted || len(p.queue) == 0 {
		return 0, io.EOF
	}

	n := copy(b, p.queue[0])
	if n == len(p.queue[0]) {
		p.queue = p.queue[1:]
	} else {
		p.queue[0] = p.queue[0][n:]
	}
	return n, nil
}
