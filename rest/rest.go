package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type REST struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type RESTOptions struct {
	Headers map[string]string
}

func NewREST(baseURL string, token string) *REST {
	return &REST{
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
		token:      token,
	}
}

func (r *REST) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (r *REST) makeRequest(ctx context.Context, method string, path string, body io.Reader, options *RESTOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	// Mandatory headers.
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Authorization", r.token)

	if options != nil {
		r.applyHeaders(req, options.Headers)
	}
	return req, nil
}

func (r *REST) Get(ctx context.Context, path string, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodGet, path, nil, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

func (r *REST) Post(ctx context.Context, path string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodPost, path, body, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

func (r *REST) Patch(ctx context.Context, path string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodPatch, path, body, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

func (r *REST) Put(ctx context.Context, path string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodPut, path, body, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

func (r *REST) Delete(ctx context.Context, path string, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodDelete, path, nil, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

type GatewayResponse struct {
	URL string `json:"url"`
}

// GetGateway resolves the websocket endpoint to dial. Called before
// every connect cycle so a stale endpoint is never reused.
func (r *REST) GetGateway(ctx context.Context) (string, error) {
	res, err := r.Get(ctx, "/gateway", nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status resolving gateway: %s", res.Status)
	}
	var gr GatewayResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return "", err
	}
	return gr.URL, nil
}
