package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/metrics"
	"github.com/Kush-Singh-26/handoffcache/internal/network"
	"github.com/Kush-Singh-26/handoffcache/internal/worker"
)

const maxControlBody = 1 << 20

// handleProxy offers the request to the controlling worker and forwards it
// upstream when the worker lets it pass.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, err := targetURL(s.upstream, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := outboundRequest(r, target)

	if active := s.reg.Active(); active != nil {
		res := active.Fetch(r.Context(), req)
		if !res.PassThrough && res.Response != nil {
			res.Response.WriteTo(w)
			return
		}
	}

	resp, err := s.fetcher.Fetch(req)
	if err != nil {
		s.log.Debug("Upstream request failed", "url", target.String(), "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	resp.Header = network.StripHopByHop(resp.Header)
	resp.WriteTo(w)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	// skip-waiting is addressed to the waiting worker, everything else to
	// the controller.
	if msg.Type == worker.MsgSkipWaiting {
		if err := s.reg.SkipWaiting(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	active := s.reg.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	msg = s.toUpstream(r, msg)
	if err := active.PostMessage(r.Context(), msg); err != nil {
		writeError(w, messageStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// toUpstream rewrites payload URLs the UI built against the proxy origin
// so they name the cached upstream URLs. Payloads that do not decode are
// left for the worker to reject.
func (s *Server) toUpstream(r *http.Request, msg worker.Message) worker.Message {
	local := proxyOrigin(r)
	var payload any
	switch msg.Type {
	case worker.MsgInvalidateCache:
		var p worker.InvalidatePayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return msg
		}
		p.URL = rebase(p.URL, local, s.upstream)
		payload = p
	case worker.MsgCacheAudio:
		var p worker.CacheAudioPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return msg
		}
		for i, u := range p.URLs {
			p.URLs[i] = rebase(u, local, s.upstream)
		}
		payload = p
	default:
		return msg
	}

	rewritten, err := worker.NewMessage(msg.Type, payload)
	if err != nil {
		return msg
	}
	return rewritten
}

// handleEvents streams broadcasts with upstream URLs moved onto the origin
// this client connected to.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	local := proxyOrigin(r)
	s.hub.Stream(w, r, func(raw string) string {
		return rebase(raw, s.upstream, local)
	})
}

func messageStatus(err error) int {
	if errors.Is(err, worker.ErrUnknownMessage) || errors.Is(err, worker.ErrInvalidPayload) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil || req.Tag == "" {
		writeError(w, http.StatusBadRequest, "sync requires a tag")
		return
	}
	active := s.reg.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	if err := active.Sync(r.Context(), req.Tag); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := s.reg.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	if err := active.Push(r.Context(), data); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Status is the body of GET /sw/status.
type Status struct {
	Active     string                      `json:"active,omitempty"`
	State      worker.State                `json:"state,omitempty"`
	Waiting    string                      `json:"waiting,omitempty"`
	Clients    int                         `json:"clients"`
	Metrics    *metrics.Snapshot           `json:"metrics,omitempty"`
	Partitions []cachestore.PartitionStats `json:"partitions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{Clients: s.hub.Clients()}
	if active := s.reg.Active(); active != nil {
		st.Active = active.Version()
		st.State = active.State()
		snap := active.Metrics().Snapshot()
		st.Metrics = &snap
	}
	if waiting := s.reg.Waiting(); waiting != nil {
		st.Waiting = waiting.Version()
	}

	partitions, err := s.store.Stats()
	if err != nil {
		s.log.Warn("Failed to read partition stats", "error", err)
	}
	st.Partitions = partitions
	if st.Partitions == nil {
		st.Partitions = []cachestore.PartitionStats{}
	}
	writeJSON(w, http.StatusOK, st)
}
