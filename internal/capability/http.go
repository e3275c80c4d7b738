package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider calls a collaborator service over JSON/HTTP. One instance
// per collaborator base URL; the idempotency key travels as a header so the
// collaborator can dedupe retried side effects.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a provider for the collaborator at baseURL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) post(ctx context.Context, path, idemKey string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return Permanent(fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("call %s: %w", path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transient(fmt.Errorf("read %s response: %w", path, err))
	}

	switch {
	case resp.StatusCode >= 500:
		return Transientf("%s: status %d: %s", path, resp.StatusCode, truncate(data))
	case resp.StatusCode >= 400:
		return Permanentf("%s: status %d: %s", path, resp.StatusCode, truncate(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

// HTTPVoice is the speech collaborator client (transcription + intent).
type HTTPVoice struct{ *HTTPProvider }

func NewHTTPVoice(baseURL string, timeout time.Duration) *HTTPVoice {
	return &HTTPVoice{NewHTTPProvider(baseURL, timeout)}
}

func (v *HTTPVoice) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	var out TranscribeResult
	err := v.post(ctx, "/transcribe", req.IdempotencyKey, req, &out)
	return out, err
}

func (v *HTTPVoice) ExtractIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	var out IntentResult
	if err := v.post(ctx, "/intent", req.IdempotencyKey, req, &out); err != nil {
		return out, err
	}
	if out.Scheme == "" {
		return out, Permanentf("/intent: no scheme identified")
	}
	return out, nil
}

// HTTPDocument is the OCR/masking collaborator client.
type HTTPDocument struct{ *HTTPProvider }

func NewHTTPDocument(baseURL string, timeout time.Duration) *HTTPDocument {
	return &HTTPDocument{NewHTTPProvider(baseURL, timeout)}
}

func (d *HTTPDocument) VerifyDocument(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var out VerifyResult
	err := d.post(ctx, "/verify", req.IdempotencyKey, req, &out)
	return out, err
}

// HTTPPortal is the autonomous browser agent client.
type HTTPPortal struct{ *HTTPProvider }

func NewHTTPPortal(baseURL string, timeout time.Duration) *HTTPPortal {
	return &HTTPPortal{NewHTTPProvider(baseURL, timeout)}
}

func (a *HTTPPortal) NavigatePortal(ctx context.Context, req NavigateRequest) (NavigateResult, error) {
	var out NavigateResult
	err := a.post(ctx, "/navigate", req.IdempotencyKey, req, &out)
	return out, err
}

func (a *HTTPPortal) SolveCaptcha(ctx context.Context, req NavigateRequest) (NavigateResult, error) {
	var out NavigateResult
	err := a.post(ctx, "/captcha", req.IdempotencyKey, req, &out)
	return out, err
}

// HTTPNotifier is the citizen notification channel client.
type HTTPNotifier struct{ *HTTPProvider }

func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{NewHTTPProvider(baseURL, timeout)}
}

func (n *HTTPNotifier) Notify(ctx context.Context, msg Notification) (Receipt, error) {
	var out Receipt
	err := n.post(ctx, "/notify", msg.IdempotencyKey, msg, &out)
	return out, err
}
