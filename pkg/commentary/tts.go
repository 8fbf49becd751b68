package commentary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nlaroche/glazebot/pkg/core"
	"github.com/nlaroche/glazebot/pkg/core/voice/audio"
	"github.com/nlaroche/glazebot/pkg/core/voice/tts"
)

// TtsMode is how synthesized audio is delivered to the output.
type TtsMode string

const (
	TtsStreaming TtsMode = "streaming"
	TtsBuffered  TtsMode = "buffered"
)

// TtsOptions describes one utterance.
type TtsOptions struct {
	RequestID   string
	Persona     string
	Text        string
	VoiceID     string
	AccessToken string
}

// TtsResult reports playback timing in milliseconds from request start.
type TtsResult struct {
	Played       bool    `json:"played"`
	Mode         TtsMode `json:"mode"`
	TTFBMs       int64   `json:"ttfb_ms"`
	FirstAudioMs int64   `json:"first_audio_ms"`
	TotalMs      int64   `json:"total_ms"`
	AudioSize    int     `json:"audio_size"`
}

// Speaker speaks a line. The returned error is reserved for output device
// failures; synthesis failures are reported as events and Played=false.
type Speaker interface {
	PlayTTS(ctx context.Context, opts TtsOptions) (TtsResult, error)
}

// TtsPlayer synthesizes text and plays it on an audio output.
type TtsPlayer struct {
	bus       *Bus
	provider  tts.Provider
	output    audio.Output
	streaming bool
	now       func() time.Time
}

// TtsPlayerOption configures a TtsPlayer.
type TtsPlayerOption func(*TtsPlayer)

// WithStreaming selects chunked playback when the output supports it.
func WithStreaming(enabled bool) TtsPlayerOption {
	return func(p *TtsPlayer) { p.streaming = enabled }
}

// WithTtsClock overrides the time source.
func WithTtsClock(now func() time.Time) TtsPlayerOption {
	return func(p *TtsPlayer) {
		if now != nil {
			p.now = now
		}
	}
}

func NewTtsPlayer(bus *Bus, provider tts.Provider, output audio.Output, opts ...TtsPlayerOption) *TtsPlayer {
	p := &TtsPlayer{
		bus:       bus,
		provider:  provider,
		output:    output,
		streaming: true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Mode returns the delivery mode the player will use.
func (p *TtsPlayer) Mode() TtsMode {
	if p.streaming && p.output.SupportsStreaming() {
		return TtsStreaming
	}
	return TtsBuffered
}

// errTransport marks failures receiving audio, as opposed to playing it.
type errTransport struct{ err error }

func (e errTransport) Error() string { return e.err.Error() }
func (e errTransport) Unwrap() error { return e.err }

func (p *TtsPlayer) PlayTTS(ctx context.Context, opts TtsOptions) (TtsResult, error) {
	text := CleanForSpeech(opts.Text)
	mode := p.Mode()
	if text == "" {
		return TtsResult{Mode: mode}, nil
	}

	p.bus.Emit(&TTSStartEvent{
		RequestID:  opts.RequestID,
		Persona:    opts.Persona,
		VoiceID:    opts.VoiceID,
		TextLength: len(text),
		Mode:       mode,
	})

	synOpts := tts.SynthesizeOptions{Voice: opts.VoiceID, AccessToken: opts.AccessToken}
	var firstAudio atomic.Int64
	onStart := func() { firstAudio.CompareAndSwap(0, p.now().UnixNano()) }

	t0 := p.now()
	var (
		respAt time.Time
		size   int
		err    error
	)
	if mode == TtsStreaming {
		respAt, size, err = p.playStream(ctx, text, synOpts, onStart)
	} else {
		respAt, size, err = p.playBuffered(ctx, text, synOpts, onStart)
	}
	done := p.now()

	if err != nil {
		return p.fail(ctx, opts, mode, t0, done, err)
	}

	res := TtsResult{
		Played:    true,
		Mode:      mode,
		TTFBMs:    respAt.Sub(t0).Milliseconds(),
		TotalMs:   done.Sub(t0).Milliseconds(),
		AudioSize: size,
	}
	if fa := firstAudio.Load(); fa != 0 {
		res.FirstAudioMs = time.Unix(0, fa).Sub(t0).Milliseconds()
	} else {
		res.FirstAudioMs = res.TotalMs
	}

	p.bus.Emit(&TTSEndEvent{
		RequestID:    opts.RequestID,
		Persona:      opts.Persona,
		Mode:         mode,
		TTFBMs:       res.TTFBMs,
		FirstAudioMs: res.FirstAudioMs,
		TotalMs:      res.TotalMs,
		AudioSize:    res.AudioSize,
	})
	return res, nil
}

func (p *TtsPlayer) playStream(ctx context.Context, text string, opts tts.SynthesizeOptions, onStart func()) (time.Time, int, error) {
	stream, err := p.provider.SynthesizeStream(ctx, text, opts)
	if err != nil {
		return time.Time{}, 0, errTransport{err}
	}
	defer stream.Close()

	player := NewStreamingAudioPlayer(p.output)
	player.OnFirstPlay = onStart
	playErr := make(chan error, 1)
	go func() { playErr <- player.Play(ctx) }()

	size := 0
	for chunk := range stream.Chunks() {
		size += len(chunk)
		player.AppendChunk(chunk)
	}
	player.End()

	if err := <-playErr; err != nil {
		return stream.ResponseAt, size, err
	}
	if err := stream.Err(); err != nil {
		return stream.ResponseAt, size, errTransport{err}
	}
	return stream.ResponseAt, size, nil
}

func (p *TtsPlayer) playBuffered(ctx context.Context, text string, opts tts.SynthesizeOptions, onStart func()) (time.Time, int, error) {
	syn, err := p.provider.Synthesize(ctx, text, opts)
	if err != nil {
		return time.Time{}, 0, errTransport{err}
	}
	if err := p.output.Play(ctx, bytes.NewReader(syn.Audio), onStart); err != nil {
		return syn.ResponseAt, len(syn.Audio), err
	}
	return syn.ResponseAt, len(syn.Audio), nil
}

func (p *TtsPlayer) fail(ctx context.Context, opts TtsOptions, mode TtsMode, t0, done time.Time, err error) (TtsResult, error) {
	if ctx.Err() != nil {
		return TtsResult{Mode: mode}, nil
	}

	var ce *core.Error
	if errors.As(err, &ce) && ce.Status != 0 {
		p.bus.Emit(&TTSErrorEvent{RequestID: opts.RequestID, Error: fmt.Sprintf("TTS %d: %s", ce.Status, ce.Message)})
		elapsed := done.Sub(t0).Milliseconds()
		return TtsResult{Mode: mode, TTFBMs: elapsed, TotalMs: elapsed}, nil
	}

	p.bus.Emit(&TTSErrorEvent{RequestID: opts.RequestID, Error: err.Error()})
	var te errTransport
	if errors.As(err, &te) {
		return TtsResult{Mode: mode}, nil
	}
	return TtsResult{Mode: mode}, core.NewPlaybackError(err)
}
