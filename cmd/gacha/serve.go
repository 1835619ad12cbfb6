package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gacha-exchange/internal/config"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/exchange"
	"gacha-exchange/internal/observability"
	"gacha-exchange/internal/reveal"
	"gacha-exchange/internal/revealws"
	"gacha-exchange/internal/storage"
)

const (
	shutdownTimeout     = 30 * time.Second
	defaultHistoryLimit = 20
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reveal websocket, the pull API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				return runServe(ctx, a, *cfg)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.RevealAddr, "reveal-addr", cfg.RevealAddr, "reveal websocket and API address")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics HTTP address")
	cmd.Flags().DurationVar(&cfg.RevealAbandonAfter, "reveal-abandon-after", cfg.RevealAbandonAfter, "drop a started reveal once no client has been connected for this long")
	return cmd
}

func runServe(ctx context.Context, a *app, cfg config.Config) error {
	account, err := a.signer()
	if err != nil {
		return err
	}

	hubConfig := revealws.DefaultHubConfig()
	hubConfig.AbandonAfter = cfg.RevealAbandonAfter
	hub := revealws.NewHub(&hubConfig, a.logger)
	seq := a.newSequencer(hub)
	hub.SetEnder(seq)
	srv := newServer(ctx, serverDeps{
		Sequencer: seq,
		Hub:       hub,
		Exchange:  a.exchange,
		History:   a.history,
		Account:   account,
		Logger:    a.logger,
	})

	api := &http.Server{Addr: cfg.RevealAddr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observability.Handler())
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range []*http.Server{api, metrics} {
		hs := hs
		g.Go(func() error {
			a.logger.Info().Str("addr", hs.Addr).Msg("listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := api.Shutdown(sctx)
		hub.Close()
		if werr := srv.wait(sctx); werr != nil {
			a.logger.Warn().Err(werr).Msg("pull still running at shutdown")
		}
		if merr := metrics.Shutdown(sctx); err == nil {
			err = merr
		}
		return err
	})

	err = g.Wait()
	a.logger.Info().Msg("shutdown complete")
	return err
}

type serverDeps struct {
	Sequencer *reveal.Sequencer
	Hub       *revealws.Hub
	Exchange  *exchange.Service
	History   storage.PullHistoryStore
	Account   domain.Account
	Logger    zerolog.Logger
}

// server exposes pulls and read models over HTTP. Pulls run in the background
// and are revealed to the websocket clients of the hub.
type server struct {
	serverDeps
	logger zerolog.Logger

	ctx     context.Context // parent of background pulls
	pulls   sync.WaitGroup
	pulling atomic.Bool // claimed by the request that starts a pull
}

func newServer(ctx context.Context, deps serverDeps) *server {
	return &server{
		serverDeps: deps,
		logger:     deps.Logger.With().Str("component", "api").Logger(),
		ctx:        ctx,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /ws", s.Hub)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /pull", s.handlePull)
	mux.HandleFunc("GET /collection", s.handleCollection)
	mux.HandleFunc("GET /market", s.handleMarket)
	mux.HandleFunc("GET /history", s.handleHistory)
	return mux
}

// wait blocks until background pulls have returned or ctx is done.
func (s *server) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pulls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Account domain.Account `json:"account"`
	State   string         `json:"state"`
	Clients int            `json:"clients"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Account: s.Account,
		State:   s.Sequencer.State().String(),
		Clients: s.Hub.Clients(),
	})
}

// handlePull starts a pull. The response only acknowledges submission; the
// outcome is delivered to websocket clients once they end the reveal.
func (s *server) handlePull(w http.ResponseWriter, r *http.Request) {
	multi := false
	if v := r.URL.Query().Get("multi"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multi %q", v))
			return
		}
		multi = b
	}

	if s.Hub.Clients() == 0 {
		writeError(w, http.StatusConflict, revealws.ErrNoClients)
		return
	}
	if !s.pulling.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, reveal.ErrBusy)
		return
	}
	if s.Sequencer.State() != reveal.Idle {
		s.pulling.Store(false)
		writeError(w, http.StatusConflict, reveal.ErrBusy)
		return
	}

	s.pulls.Add(1)
	go func() {
		defer s.pulls.Done()
		defer s.pulling.Store(false)
		items, err := s.Sequencer.Pull(s.ctx, s.Account, multi)
		if err != nil {
			s.logger.Warn().Err(err).Bool("multi", multi).Msg("pull")
			return
		}
		s.logger.Info().Int("items", len(items)).Bool("multi", multi).Msg("pull revealed")
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "multi": multi})
}

func (s *server) handleCollection(w http.ResponseWriter, r *http.Request) {
	account := s.Account
	if owner := r.URL.Query().Get("owner"); owner != "" {
		account = domain.Account(owner)
	}
	items, err := s.Exchange.Collection(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, itemViews(items))
}

func (s *server) handleMarket(w http.ResponseWriter, r *http.Request) {
	sortBy, err := exchange.ParseSortBy(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.Exchange.Marketplace(r.Context(), sortBy)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, itemViews(items))
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	view, err := loadHistory(r.Context(), s.History, s.Account, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func loadHistory(ctx context.Context, store storage.PullHistoryStore, account domain.Account, limit int) (historyView, error) {
	counts, err := store.RarityCounts(ctx, account)
	if err != nil {
		return historyView{}, fmt.Errorf("rarity counts: %w", err)
	}
	recent, err := store.Recent(ctx, account, limit)
	if err != nil {
		return historyView{}, fmt.Errorf("recent pulls: %w", err)
	}
	return historyView{Account: account, RarityCounts: counts, Recent: recent}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
