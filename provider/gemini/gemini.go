package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/imagegate"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash-image-preview"
)

// Provider is the Gemini image API adapter. It serves the direct path
// through generateContent and the batch path through batchGenerateContent.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var (
	_ imagegate.Gateway  = (*Provider)(nil)
	_ imagegate.BatchAPI = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModel sets the image model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithRateLimit paces outgoing requests to rps with the given burst.
// A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *Provider) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// New creates a new Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Gemini API types.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (p *Provider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	return p.generateContent(ctx, buildRequest(prompt))
}

func (p *Provider) Edit(ctx context.Context, prompt string, source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: empty source image", imagegate.ErrPermanent)
	}
	return p.generateContent(ctx, buildRequest(prompt, source))
}

// Compose sends every source as its own inline image part after the prompt.
func (p *Provider) Compose(ctx context.Context, prompt string, sources [][]byte) ([]byte, error) {
	if err := imagegate.ValidateSources(sources); err != nil {
		return nil, fmt.Errorf("%w: %v", imagegate.ErrPermanent, err)
	}
	return p.generateContent(ctx, buildRequest(prompt, sources...))
}

func (p *Provider) generateContent(ctx context.Context, body geminiRequest) ([]byte, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)

	httpResp, err := p.doRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode gemini response: %v", imagegate.ErrTransient, err)
	}
	return extractImage(resp)
}

func buildRequest(prompt string, sources ...[]byte) geminiRequest {
	parts := make([]geminiPart, 0, 1+len(sources))
	parts = append(parts, geminiPart{Text: prompt})
	for _, src := range sources {
		parts = append(parts, geminiPart{InlineData: &inlineData{
			MimeType: http.DetectContentType(src),
			Data:     base64.StdEncoding.EncodeToString(src),
		}})
	}
	return geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}
}

// extractImage returns the first inline image of the response. A prompt
// block or a safety finish reason is reported as ErrContentFiltered.
func extractImage(resp geminiResponse) ([]byte, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: %s", imagegate.ErrContentFiltered, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: empty candidates in gemini response", imagegate.ErrTransient)
	}

	c := resp.Candidates[0]
	for _, part := range c.Content.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		img, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode image data: %v", imagegate.ErrTransient, err)
		}
		return img, nil
	}

	switch c.FinishReason {
	case "SAFETY", "IMAGE_SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return nil, fmt.Errorf("%w: finish reason %s", imagegate.ErrContentFiltered, c.FinishReason)
	}
	return nil, fmt.Errorf("%w: no image data in response", imagegate.ErrTransient)
}

func (p *Provider) doRequest(ctx context.Context, method, url string, body any) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", imagegate.ErrTransient, err)
		}
	}

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal gemini request: %v", imagegate.ErrPermanent, err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini request: %v", imagegate.ErrPermanent, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imagegate.ErrTransient, err)
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	msg := string(body)
	var wrapped struct {
		Error apiError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
		msg = wrapped.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", imagegate.ErrTransient, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", imagegate.ErrTransient, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "safety"):
		return fmt.Errorf("%w: %s", imagegate.ErrContentFiltered, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", imagegate.ErrPermanent, resp.StatusCode, msg)
	}
}
