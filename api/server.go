package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/senatelabs/senate/core"
	"github.com/sirupsen/logrus"
)

// Server exposes the read-only governance surface over HTTP. All mutation
// goes through the core entry points; the API never writes.
type Server struct {
	done chan struct{}
}

type ServerConfig struct {
	Listener net.Listener

	Senate *core.Senate
}

func NewServer(ctx context.Context, logger *logrus.Logger, cfg ServerConfig) *Server {
	srv := &http.Server{
		Handler: newMux(logger, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server{
		done: make(chan struct{}),
	}
	go s.serve(logger, cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)

	return s
}

func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		// serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) serve(logger *logrus.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			logger.Info("HTTP server shutting down")
		} else {
			logger.WithError(err).Info("HTTP server shutting down due to error")
		}
	}
}

func newMux(logger *logrus.Logger, cfg ServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/governance/{senator}", handleGovernanceSnapshot(logger, cfg)).Methods("GET")
	r.HandleFunc("/v1/votes/{senator}", handleVotes(logger, cfg)).Methods("GET")
	r.HandleFunc("/v1/supply", handleSupply(logger, cfg)).Methods("GET")
	r.HandleFunc("/v1/proposals/{id}", handleProposal(logger, cfg)).Methods("GET")
	r.HandleFunc("/v1/members", handleMembers(logger, cfg)).Methods("GET")

	return r
}

func handleGovernanceSnapshot(logger *logrus.Logger, cfg ServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		senator := common.HexToAddress(mux.Vars(req)["senator"])

		snap, err := cfg.Senate.GovernanceSnapshot(req.Context(), senator)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(logger, w, snap)
	}
}

func handleVotes(logger *logrus.Logger, cfg ServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		senator := common.HexToAddress(mux.Vars(req)["senator"])

		height, ok := heightParam(w, req)
		if !ok {
			return
		}

		votes, err := cfg.Senate.GetVotes(req.Context(), senator, height)
		if err != nil {
			if errors.Is(err, core.ErrFutureLookup) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(logger, w, map[string]uint64{"height": height, "votes": votes})
	}
}

func handleSupply(logger *logrus.Logger, cfg ServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		height, ok := heightParam(w, req)
		if !ok {
			return
		}

		supply, err := cfg.Senate.GetTotalSupply(req.Context(), height)
		if err != nil {
			if errors.Is(err, core.ErrFutureLookup) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(logger, w, map[string]uint64{"height": height, "supply": supply})
	}
}

func handleProposal(logger *logrus.Logger, cfg ServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		id := common.HexToHash(mux.Vars(req)["id"])

		p, ok := cfg.Senate.ProposalByID(id)
		if !ok {
			http.Error(w, core.ErrProposalNotFound.Error(), http.StatusNotFound)
			return
		}

		writeJSON(logger, w, struct {
			*core.Proposal
			State string `json:"state"`
		}{
			Proposal: p,
			State:    cfg.Senate.ProposalState(id).String(),
		})
	}
}

func handleMembers(logger *logrus.Logger, cfg ServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		type memberView struct {
			Source     string `json:"source"`
			ID         uint64 `json:"id"`
			Capability string `json:"capability"`
			Status     string `json:"status"`
		}

		var out []memberView
		for _, m := range cfg.Senate.MemberList() {
			out = append(out, memberView{
				Source:     m.Source.Hex(),
				ID:         m.ID,
				Capability: m.Capability.String(),
				Status:     cfg.Senate.MemberStatusOf(m.Source).String(),
			})
		}

		writeJSON(logger, w, out)
	}
}

func heightParam(w http.ResponseWriter, req *http.Request) (uint64, bool) {
	raw := req.URL.Query().Get("height")
	if raw == "" {
		http.Error(w, "missing height query parameter", http.StatusBadRequest)
		return 0, false
	}
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid height query parameter", http.StatusBadRequest)
		return 0, false
	}
	return height, true
}

func writeJSON(logger *logrus.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("failed to encode response")
	}
}
