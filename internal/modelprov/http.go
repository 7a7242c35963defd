package modelprov

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/stream"
	"github.com/tessellate-ai/ragcore/internal/tracing"
)

// streamReadSize is the read buffer per upstream chunk. Reads may split
// multi-byte characters; the stream normalizer repairs boundaries.
const streamReadSize = 4 * 1024

type generateRequest struct {
	Prompt  string   `json:"prompt"`
	Context []string `json:"context,omitempty"`
	Model   string   `json:"model,omitempty"`
	Stream  bool     `json:"stream"`
}

// HTTPProvider streams generations from an HTTP backend that writes
// raw token bytes as a chunked response body.
type HTTPProvider struct {
	name    string
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider creates a provider against the given base URL. The
// client timeout covers connection establishment only; streaming reads
// are bounded by the request context.
func NewHTTPProvider(cfg Config, logger *zap.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		logger: logger,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Stream opens the generation stream. The returned error covers
// connection establishment; mid-stream failures arrive on the channel.
func (p *HTTPProvider) Stream(ctx context.Context, req Request) (<-chan stream.RawChunk, error) {
	url := fmt.Sprintf("%s/generate/stream", p.baseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)

	model := req.Model
	if model == "" {
		model = p.model
	}
	payload := generateRequest{Prompt: req.Prompt, Context: req.Context, Model: model, Stream: true}
	buf, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		span.End()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/octet-stream")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		span.End()
		return nil, fault.Wrap(fault.CodeProviderUnavailable, err, "provider %s unreachable", p.name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		span.End()
		return nil, fault.New(fault.CodeProviderUnavailable,
			"provider %s returned %d: %s", p.name, resp.StatusCode, string(body))
	}

	out := make(chan stream.RawChunk)
	go func() {
		defer close(out)
		defer span.End()
		defer resp.Body.Close()

		buf := make([]byte, streamReadSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- stream.RawChunk{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("Provider stream interrupted",
					zap.String("provider", p.name), zap.Error(readErr))
				select {
				case out <- stream.RawChunk{Err: fault.Wrap(fault.CodeProviderStreamError, readErr,
					"provider %s stream interrupted", p.name)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// IsAvailable probes the backend health endpoint.
func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", p.baseURL), nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
