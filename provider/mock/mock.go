package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ineyio/imagegate"
)

// Provider is a mock image API for testing. It implements both the direct
// Gateway and the BatchAPI.
type Provider struct {
	latency     time.Duration
	failAfter   int
	staticErr   error
	promptErrs  map[string]error
	imageFunc   func(prompt string) ([]byte, error)
	submitErr   error
	statusFunc  func(polls int) imagegate.BatchStatus
	statusErr   error
	resultsErr  error
	reverse     bool
	dropResults map[string]bool
	callCount   atomic.Int64
	submitCount atomic.Int64

	mu   sync.Mutex
	jobs map[string]*batchJob
}

type batchJob struct {
	requests []imagegate.BatchRequest
	polls    int
}

var (
	_ imagegate.Gateway  = (*Provider)(nil)
	_ imagegate.BatchAPI = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options. By default every
// call succeeds and batches succeed on the first status query.
func New(opts ...Option) *Provider {
	p := &Provider{
		promptErrs:  make(map[string]error),
		dropResults: make(map[string]bool),
		jobs:        make(map[string]*batchJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLatency adds simulated latency to each direct call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes direct calls fail transiently after N calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes every direct call return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithPromptError makes calls for one prompt return err, both directly and
// inside a batch.
func WithPromptError(prompt string, err error) Option {
	return func(p *Provider) { p.promptErrs[prompt] = err }
}

// WithImageFunc sets a custom image function used by direct calls.
func WithImageFunc(fn func(prompt string) ([]byte, error)) Option {
	return func(p *Provider) { p.imageFunc = fn }
}

// WithSubmitError makes SubmitJob fail with err.
func WithSubmitError(err error) Option {
	return func(p *Provider) { p.submitErr = err }
}

// WithStatusFunc sets the status reported for the n-th poll (1-based).
func WithStatusFunc(fn func(polls int) imagegate.BatchStatus) Option {
	return func(p *Provider) { p.statusFunc = fn }
}

// WithStatusError makes GetStatus fail with err.
func WithStatusError(err error) Option {
	return func(p *Provider) { p.statusErr = err }
}

// WithResultsError makes GetResults fail with err.
func WithResultsError(err error) Option {
	return func(p *Provider) { p.resultsErr = err }
}

// WithReversedResults returns batch records in reverse submission order.
func WithReversedResults() Option {
	return func(p *Provider) { p.reverse = true }
}

// WithDroppedResult omits the record for prompt from batch results.
func WithDroppedResult(prompt string) Option {
	return func(p *Provider) { p.dropResults[prompt] = true }
}

// Image returns the bytes the mock renders for prompt.
func Image(prompt string) []byte {
	return []byte("image:" + prompt)
}

func (p *Provider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	return p.call(ctx, prompt)
}

func (p *Provider) Edit(ctx context.Context, prompt string, source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: empty source image", imagegate.ErrPermanent)
	}
	return p.call(ctx, prompt)
}

func (p *Provider) Compose(ctx context.Context, prompt string, sources [][]byte) ([]byte, error) {
	if err := imagegate.ValidateSources(sources); err != nil {
		return nil, fmt.Errorf("%w: %v", imagegate.ErrPermanent, err)
	}
	return p.call(ctx, prompt)
}

func (p *Provider) call(ctx context.Context, prompt string) ([]byte, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return nil, p.staticErr
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return nil, fmt.Errorf("%w: mock unavailable", imagegate.ErrTransient)
	}
	if err, ok := p.promptErrs[prompt]; ok {
		return nil, err
	}
	if p.imageFunc != nil {
		return p.imageFunc(prompt)
	}
	return Image(prompt), nil
}

func (p *Provider) SubmitJob(_ context.Context, requests []imagegate.BatchRequest) (string, error) {
	p.submitCount.Add(1)
	if p.submitErr != nil {
		return "", p.submitErr
	}

	id := "batches/" + uuid.New().String()
	p.mu.Lock()
	p.jobs[id] = &batchJob{requests: slices.Clone(requests)}
	p.mu.Unlock()
	return id, nil
}

func (p *Provider) GetStatus(_ context.Context, externalID string) (imagegate.BatchStatus, error) {
	if p.statusErr != nil {
		return imagegate.BatchStatus{}, p.statusErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[externalID]
	if !ok {
		return imagegate.BatchStatus{}, fmt.Errorf("%w: unknown batch %s", imagegate.ErrPermanent, externalID)
	}
	j.polls++
	if p.statusFunc != nil {
		return p.statusFunc(j.polls), nil
	}
	return imagegate.BatchStatus{State: imagegate.BatchSucceeded}, nil
}

func (p *Provider) GetResults(_ context.Context, externalID string) ([]imagegate.BatchRecord, error) {
	if p.resultsErr != nil {
		return nil, p.resultsErr
	}

	p.mu.Lock()
	j, ok := p.jobs[externalID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown batch %s", imagegate.ErrPermanent, externalID)
	}

	records := make([]imagegate.BatchRecord, 0, len(j.requests))
	for _, r := range j.requests {
		if p.dropResults[r.Prompt] {
			continue
		}
		rec := imagegate.BatchRecord{RequestID: r.RequestID, Prompt: r.Prompt}
		if err, ok := p.promptErrs[r.Prompt]; ok {
			rec.Err = err
		} else {
			rec.Image = Image(r.Prompt)
		}
		records = append(records, rec)
	}
	if p.reverse {
		slices.Reverse(records)
	}
	return records, nil
}

// CallCount returns the number of direct calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// SubmitCount returns the number of SubmitJob calls.
func (p *Provider) SubmitCount() int64 { return p.submitCount.Load() }
