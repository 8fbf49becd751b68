package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
)

const (
	FormatMP3 = "mp3"
	FormatPCM = "pcm"
)

// SpeakerConfig configures the device output.
type SpeakerConfig struct {
	Format     string // "mp3" (decoded before playback) or "pcm" (s16le)
	SampleRate int    // PCM sample rate; MP3 uses the stream's rate
	Channels   int    // PCM channel count; MP3 decodes to stereo
	BufferSize time.Duration
}

// DefaultSpeakerConfig returns the speaker settings for the hosted voice
// endpoint, which answers with MP3.
func DefaultSpeakerConfig() SpeakerConfig {
	return SpeakerConfig{
		Format:     FormatMP3,
		SampleRate: 24000,
		Channels:   1,
		BufferSize: 100 * time.Millisecond,
	}
}

// Speaker plays audio through the system output device using oto.
// oto allows a single context per process, so the context is created on the
// first Play and its sample rate is fixed from then on.
type Speaker struct {
	cfg SpeakerConfig

	mu       sync.Mutex
	otoCtx   *oto.Context
	ctxRate  int
	ctxChans int

	pollInterval time.Duration
}

func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.Format == "" {
		cfg.Format = FormatMP3
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Speaker{cfg: cfg, pollInterval: 10 * time.Millisecond}
}

func (s *Speaker) SupportsStreaming() bool { return true }

func (s *Speaker) Play(ctx context.Context, r io.Reader, onStart func()) error {
	src := r
	rate, chans := s.cfg.SampleRate, s.cfg.Channels
	if s.cfg.Format == FormatMP3 {
		dec, err := mp3.NewDecoder(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode mp3: %w", err)
		}
		src = dec
		rate = dec.SampleRate()
		chans = 2
	}

	otoCtx, err := s.context(rate, chans)
	if err != nil {
		return err
	}

	player := otoCtx.NewPlayer(newStartReader(src, onStart))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

func (s *Speaker) context(rate, chans int) (*oto.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.otoCtx != nil {
		if rate != s.ctxRate || chans != s.ctxChans {
			return nil, fmt.Errorf("audio format %dHz/%dch does not match open device %dHz/%dch", rate, chans, s.ctxRate, s.ctxChans)
		}
		return s.otoCtx, nil
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: chans,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   s.cfg.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready
	s.otoCtx = otoCtx
	s.ctxRate = rate
	s.ctxChans = chans
	return otoCtx, nil
}
