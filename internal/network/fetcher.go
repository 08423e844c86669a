package network

import (
	"fmt"
	"io"
	"net/http"
)

// Fetcher performs one outbound request. A returned error means the network
// itself failed; non-2xx responses are returned without error.
type Fetcher interface {
	Fetch(req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *http.Request) (*Response, error)

// Fetch calls f(req).
func (f FetcherFunc) Fetch(req *http.Request) (*Response, error) {
	return f(req)
}

// HTTPFetcher fetches over an http.Client. No timeout is applied beyond
// what the client and the request context carry.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher on client, or http.DefaultClient.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

// Fetch sends req and buffers the full body.
func (f *HTTPFetcher) Fetch(req *http.Request) (*Response, error) {
	out, err := outbound(req)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// outbound turns an incoming server request into a client request.
func outbound(req *http.Request) (*http.Request, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("fetch: request URL must be absolute, got %q", req.URL)
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = StripHopByHop(req.Header)
	out.Header.Del("Accept-Encoding") // let the transport negotiate and decode
	if req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}
	return out, nil
}
