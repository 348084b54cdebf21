package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"
)

// HTTPProvider talks to a machine provider over JSON-over-HTTP. Every call
// carries the request id, which the provider uses to make retries idempotent.
type HTTPProvider struct {
	url    string
	client *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider returns an HTTPProvider rooted at url. The client is
// expected to carry authentication already.
func NewHTTPProvider(url string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{url: url, client: client}
}

// providerError is the provider's error payload.
type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPProvider) call(ctx context.Context, endpoint string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+endpoint, bytes.NewReader(body))
	if err != nil {
		return skerr.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(httpResp.Body)
	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return skerr.Wrap(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var pe providerError
		if err := json.Unmarshal(b, &pe); err == nil && pe.Code != "" {
			return &Error{Code: Code(pe.Code), Message: pe.Message}
		}
		return skerr.Fmt("provider %s returned %s: %s", endpoint, httpResp.Status, string(b))
	}
	if resp == nil {
		return nil
	}
	return skerr.Wrap(json.Unmarshal(b, resp))
}

// LeaseMachine implements Provider.
func (p *HTTPProvider) LeaseMachine(ctx context.Context, req *LeaseRequest) (*LeaseResult, error) {
	rv := &LeaseResult{}
	if err := p.call(ctx, "/api/v1/lease", req, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// ReleaseMachine implements Provider.
func (p *HTTPProvider) ReleaseMachine(ctx context.Context, requestID string) error {
	req := struct {
		RequestID string `json:"requestId"`
	}{RequestID: requestID}
	return p.call(ctx, "/api/v1/release", req, nil)
}

// InstructMachine implements Provider.
func (p *HTTPProvider) InstructMachine(ctx context.Context, requestID, serverURL string) error {
	req := struct {
		RequestID string `json:"requestId"`
		ServerURL string `json:"serverUrl"`
	}{RequestID: requestID, ServerURL: serverURL}
	return p.call(ctx, "/api/v1/instruct", req, nil)
}
