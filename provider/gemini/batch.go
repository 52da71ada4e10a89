package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ineyio/imagegate"
)

// Batch API types.
type batchSubmit struct {
	Batch batchSpec `json:"batch"`
}

type batchSpec struct {
	DisplayName string      `json:"displayName"`
	InputConfig batchInputs `json:"inputConfig"`
}

type batchInputs struct {
	Requests struct {
		Requests []inlinedRequest `json:"requests"`
	} `json:"requests"`
}

type inlinedRequest struct {
	Request  geminiRequest     `json:"request"`
	Metadata map[string]string `json:"metadata"`
}

type batchOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Metadata struct {
		State string `json:"state"`
	} `json:"metadata"`
	Error    *apiError `json:"error,omitempty"`
	Response *struct {
		InlinedResponses struct {
			InlinedResponses []inlinedResponse `json:"inlinedResponses"`
		} `json:"inlinedResponses"`
	} `json:"response,omitempty"`
}

type inlinedResponse struct {
	Metadata map[string]string `json:"metadata"`
	Response *geminiResponse   `json:"response,omitempty"`
	Error    *apiError         `json:"error,omitempty"`
}

const requestKey = "key"

func (p *Provider) SubmitJob(ctx context.Context, requests []imagegate.BatchRequest) (string, error) {
	var body batchSubmit
	body.Batch.DisplayName = fmt.Sprintf("imagegate-%d", len(requests))
	for _, r := range requests {
		body.Batch.InputConfig.Requests.Requests = append(body.Batch.InputConfig.Requests.Requests, inlinedRequest{
			Request:  buildRequest(r.Prompt),
			Metadata: map[string]string{requestKey: r.RequestID},
		})
	}

	url := fmt.Sprintf("%s/models/%s:batchGenerateContent?key=%s", p.baseURL, p.model, p.apiKey)
	op, err := p.operation(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("%w: batch operation without a name", imagegate.ErrTransient)
	}
	return op.Name, nil
}

func (p *Provider) GetStatus(ctx context.Context, externalID string) (imagegate.BatchStatus, error) {
	op, err := p.get(ctx, externalID)
	if err != nil {
		return imagegate.BatchStatus{}, err
	}

	st := imagegate.BatchStatus{State: mapState(op.Metadata.State)}
	if op.Error != nil {
		st.State = imagegate.BatchFailed
		st.Error = op.Error.Message
	} else if st.State == imagegate.BatchFailed {
		st.Error = "batch ended in state " + op.Metadata.State
	}
	return st, nil
}

func (p *Provider) GetResults(ctx context.Context, externalID string) ([]imagegate.BatchRecord, error) {
	op, err := p.get(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if op.Response == nil {
		return nil, fmt.Errorf("%w: batch %s has no inlined responses", imagegate.ErrTransient, externalID)
	}

	inlined := op.Response.InlinedResponses.InlinedResponses
	records := make([]imagegate.BatchRecord, 0, len(inlined))
	for _, ir := range inlined {
		rec := imagegate.BatchRecord{RequestID: ir.Metadata[requestKey]}
		switch {
		case ir.Error != nil:
			rec.Err = fmt.Errorf("%w: %s", imagegate.ErrPermanent, ir.Error.Message)
		case ir.Response == nil:
			rec.Err = fmt.Errorf("%w: empty response", imagegate.ErrMissingResult)
		default:
			rec.Image, rec.Err = extractImage(*ir.Response)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *Provider) get(ctx context.Context, name string) (batchOperation, error) {
	url := fmt.Sprintf("%s/%s?key=%s", p.baseURL, name, p.apiKey)
	return p.operation(ctx, http.MethodGet, url, nil)
}

func (p *Provider) operation(ctx context.Context, method, url string, body any) (batchOperation, error) {
	httpResp, err := p.doRequest(ctx, method, url, body)
	if err != nil {
		return batchOperation{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return batchOperation{}, err
	}

	var op batchOperation
	if err := json.NewDecoder(httpResp.Body).Decode(&op); err != nil {
		return batchOperation{}, fmt.Errorf("%w: decode batch operation: %v", imagegate.ErrTransient, err)
	}
	return op, nil
}

func mapState(s string) imagegate.BatchState {
	switch s {
	case "BATCH_STATE_RUNNING":
		return imagegate.BatchRunning
	case "BATCH_STATE_SUCCEEDED":
		return imagegate.BatchSucceeded
	case "BATCH_STATE_FAILED", "BATCH_STATE_CANCELLED", "BATCH_STATE_EXPIRED":
		return imagegate.BatchFailed
	default:
		return imagegate.BatchPending
	}
}
