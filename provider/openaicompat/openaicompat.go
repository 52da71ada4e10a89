package openaicompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/ineyio/imagegate"
	"golang.org/x/time/rate"
)

// Provider is an adapter for OpenAI-compatible image APIs
// (/images/generations and /images/edits). It serves the direct path only.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ imagegate.Gateway = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithModel sets the image model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithRateLimit paces outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *Provider) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// New creates a new OpenAI-compatible image provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", append([]Option{WithModel("gpt-image-1")}, opts...)...)
}

// Name returns the provider name given to New.
func (p *Provider) Name() string { return p.name }

type generationRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *Provider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(generationRequest{
		Model:          p.model,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", imagegate.ErrPermanent, err)
	}
	return p.do(ctx, "/images/generations", "application/json", body)
}

func (p *Provider) Edit(ctx context.Context, prompt string, source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: empty source image", imagegate.ErrPermanent)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"prompt": prompt, "n": "1", "response_format": "b64_json"}
	if p.model != "" {
		fields["model"] = p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%w: build edit form: %v", imagegate.ErrPermanent, err)
		}
	}
	fw, err := mw.CreateFormFile("image", "source.png")
	if err != nil {
		return nil, fmt.Errorf("%w: build edit form: %v", imagegate.ErrPermanent, err)
	}
	if _, err := fw.Write(source); err != nil {
		return nil, fmt.Errorf("%w: build edit form: %v", imagegate.ErrPermanent, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: build edit form: %v", imagegate.ErrPermanent, err)
	}

	return p.do(ctx, "/images/edits", mw.FormDataContentType(), buf.Bytes())
}

// Compose is not offered by the images API; it fails without a request.
func (p *Provider) Compose(context.Context, string, [][]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s does not support composing images", imagegate.ErrPermanent, p.name)
}

func (p *Provider) do(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", imagegate.ErrTransient, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", imagegate.ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imagegate.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	var ir imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", imagegate.ErrTransient, p.name, err)
	}
	if len(ir.Data) == 0 || ir.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: no image in %s response", imagegate.ErrTransient, p.name)
	}
	img, err := base64.StdEncoding.DecodeString(ir.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", imagegate.ErrTransient, err)
	}
	return img, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	msg := string(body)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
		if ae.Error.Code == "content_policy_violation" || ae.Error.Code == "moderation_blocked" {
			return fmt.Errorf("%w: %s", imagegate.ErrContentFiltered, msg)
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", imagegate.ErrTransient, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", imagegate.ErrPermanent, resp.StatusCode, msg)
	}
}
