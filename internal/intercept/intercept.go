// Package intercept decides which outgoing requests the offline worker
// handles and with which strategy.
package intercept

import (
	"net/http"
	"net/url"
	"strings"
)

// Route is the outcome of classifying a request.
type Route int

const (
	// PassThrough requests are forwarded untouched, with no cache access.
	PassThrough Route = iota
	// Primary requests use cache-then-network against the primary partition.
	Primary
	// Audio requests use cache-first against the audio partition.
	Audio
)

const (
	PrimaryPathPrefix = "/api/v1/handoff/"
	AudioSegment      = "handoff-voice-notes"
)

func (r Route) String() string {
	switch r {
	case Primary:
		return "primary"
	case Audio:
		return "audio"
	default:
		return "pass-through"
	}
}

// Classify maps a request to a route. Only GET is eligible; primary is
// tested before audio so a URL matching both is primary.
func Classify(method string, u *url.URL) Route {
	if method != http.MethodGet || u == nil {
		return PassThrough
	}
	if IsPrimary(u) {
		return Primary
	}
	if IsAudio(u) {
		return Audio
	}
	return PassThrough
}

// IsPrimary reports whether u is a handoff API resource.
func IsPrimary(u *url.URL) bool {
	return strings.HasPrefix(u.Path, PrimaryPathPrefix) || u.Path == strings.TrimSuffix(PrimaryPathPrefix, "/")
}

// IsAudio reports whether u points at a voice-note asset. The href is
// checked too so cross-origin CDN URLs whose segment lives outside the path
// still match.
func IsAudio(u *url.URL) bool {
	return strings.Contains(u.Path, AudioSegment) || strings.Contains(u.String(), AudioSegment)
}
