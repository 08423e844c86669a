// Package network performs the worker's outbound fetches and holds the
// response snapshots that flow between the network, the cache and callers.
package network

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Response is a fully buffered HTTP response. The upstream body stream is
// read exactly once into Body; every consumer after that works on copies.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy so that the cache-write path and the return
// path never share a buffer or header map.
func (r *Response) Clone() *Response {
	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
	}
}

// WriteTo writes the snapshot to an http.ResponseWriter.
func (r *Response) WriteTo(w http.ResponseWriter) {
	for k, vv := range r.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// OfflineBody is the JSON returned when a primary resource has neither a
// cached copy nor a reachable network.
type OfflineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

const offlineMessage = "Offline and no cached data available"

// Offline builds the synthesized 503 for primary resources.
func Offline() *Response {
	body, _ := json.Marshal(OfflineBody{Error: offlineMessage, Offline: true})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: http.StatusText(http.StatusServiceUnavailable),
		Header:     h,
		Body:       body,
	}
}

// Unavailable builds the empty 503 used for audio.
func Unavailable() *Response {
	return &Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: http.StatusText(http.StatusServiceUnavailable),
		Header:     make(http.Header),
	}
}

// StripHopByHop removes connection-scoped headers before a response is
// stored.
func StripHopByHop(header http.Header) http.Header {
	clone := header.Clone()
	if clone == nil {
		clone = make(http.Header)
	}

	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		clone.Del(k)
	}
	// Also remove hop-by-hop values referenced by Connection header
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				clone.Del(token)
			}
		}
	}
	return clone
}
