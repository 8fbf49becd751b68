package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nlaroche/glazebot/pkg/core"
)

const hostedEndpoint = "generative-tts"

// HostedProvider synthesizes speech through the generative-tts hosted function.
// The function answers with raw audio bytes, either as one payload or as a
// chunked stream.
type HostedProvider struct {
	baseURL    string
	httpClient *http.Client
	readSize   int
}

func NewHosted(baseURL string) *HostedProvider {
	return NewHostedWithClient(baseURL, nil)
}

func NewHostedWithClient(baseURL string, client *http.Client) *HostedProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HostedProvider{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: client,
		readSize:   4096,
	}
}

func (h *HostedProvider) Name() string {
	return "hosted"
}

type hostedRequest struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id"`
	Stream      bool   `json:"stream"`
}

func (h *HostedProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	resp, respAt, err := h.post(ctx, text, opts, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	return &Synthesis{
		Audio:      audio,
		Format:     getFormat(opts.Format),
		ResponseAt: respAt,
	}, nil
}

func (h *HostedProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	resp, respAt, err := h.post(ctx, text, opts, true)
	if err != nil {
		return nil, err
	}

	stream := NewSynthesisStream()
	stream.Format = getFormat(opts.Format)
	stream.ResponseAt = respAt

	go func() {
		defer stream.FinishSending()
		defer resp.Body.Close()
		buf := make([]byte, h.readSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !stream.Send(chunk) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				stream.SetError(err)
				return
			}
		}
	}()

	return stream, nil
}

func (h *HostedProvider) post(ctx context.Context, text string, opts SynthesizeOptions, stream bool) (*http.Response, time.Time, error) {
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		return nil, time.Time{}, core.NewInvalidRequestError("voice id is required")
	}
	body, err := json.Marshal(hostedRequest{Text: text, ReferenceID: voice, Stream: stream})
	if err != nil {
		return nil, time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/functions/v1/"+hostedEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AccessToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, err
	}
	respAt := time.Now()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, respAt, core.NewAPIError(hostedEndpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, respAt, nil
}
