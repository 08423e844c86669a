package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// targetURL maps an incoming request onto the upstream origin. Requests
// that already carry an absolute URL (forward-proxy style) keep it.
func targetURL(upstream *url.URL, r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
		}
		return r.URL, nil
	}

	target := *upstream
	target.Path = normalizeRequestPath(r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""
	return &target, nil
}

// normalizeRequestPath cleans the request path, keeping a trailing slash.
func normalizeRequestPath(rawPath string) string {
	if rawPath == "" {
		return "/"
	}
	cleaned := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// proxyOrigin is the origin the UI used to reach the proxy.
func proxyOrigin(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host}
}

// rebase moves raw onto the to origin when it is an absolute URL on the
// from host. Anything else is returned as is.
func rebase(raw string, from, to *url.URL) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || !strings.EqualFold(u.Host, from.Host) {
		return raw
	}
	u.Scheme = to.Scheme
	u.Host = to.Host
	return u.String()
}

// outboundRequest clones r for the upstream. The clone keeps r's context
// and body.
func outboundRequest(r *http.Request, target *url.URL) *http.Request {
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
