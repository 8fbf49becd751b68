// Package tts provides the speech synthesis transport for persona voices.
package tts

import (
	"context"
	"sync"
	"time"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to a single audio payload.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)

	// SynthesizeStream converts text to audio delivered in chunks as it is generated.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice       string // Voice reference identifier
	Format      string // Output format: "mp3" or "pcm"
	AccessToken string // Bearer credential for the hosted endpoint
}

// Synthesis is the result of buffered synthesis.
type Synthesis struct {
	Audio      []byte    // Audio data
	Format     string    // Audio format
	ResponseAt time.Time // When response headers arrived
}

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	Format     string
	ResponseAt time.Time
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed once the
// provider has nothing more to send.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns any error that occurred while receiving audio.
func (s *SynthesisStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the stream. The producer stops sending on its next chunk.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// SetError sets the stream error.
func (s *SynthesisStream) SetError(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Send sends a chunk to the stream. Returns false if stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}

func getFormat(format string) string {
	if format == "" {
		return "mp3"
	}
	return format
}
