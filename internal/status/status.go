package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/coordinator"
	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/model"
)

// Source is the simulation being observed. *runner.Runner satisfies it.
type Source interface {
	RunID() string
	Server() *coordinator.Server
	Clients() []*client.Client
}

// Health is the body of GET /health.
type Health struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
	Round  int    `json:"round"` // Next round to run
	State  string `json:"state"`
}

// RoundsResponse is the body of GET /rounds.
type RoundsResponse struct {
	Rounds []fl.RoundReport `json:"rounds"`
}

// TensorInfo describes one global parameter tensor.
type TensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// ModelResponse is the body of GET /model.
type ModelResponse struct {
	Round      int          `json:"round"`
	Tensors    []TensorInfo `json:"tensors"`
	Parameters int          `json:"parameters"`
	Values     [][]float64  `json:"values,omitempty"` // Only with ?values=true
}

// ClientInfo is one entry of GET /clients.
type ClientInfo struct {
	ID          int                       `json:"id"`
	TrainSize   int                       `json:"train_size"`
	TestSize    int                       `json:"test_size"`
	Importance  float64                   `json:"importance"`
	LastMetrics *model.Metrics            `json:"last_metrics,omitempty"`
	LastLoss    *float64                  `json:"last_loss,omitempty"`
	Health      *coordinator.ClientHealth `json:"health,omitempty"`
}

// ClientsResponse is the body of GET /clients.
type ClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}

// NewHandler returns the read-only status API for src.
func NewHandler(src Source) http.Handler {
	h := &handler{src: src}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/rounds", h.handleRounds)
	mux.HandleFunc("/model", h.handleModel)
	mux.HandleFunc("/clients", h.handleClients)
	return mux
}

type handler struct {
	src Source
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	srv := h.src.Server()
	writeJSON(w, Health{
		Status: "ok",
		RunID:  h.src.RunID(),
		Round:  srv.Round(),
		State:  srv.State().String(),
	})
}

func (h *handler) handleRounds(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	rounds := h.src.Server().History()
	if rounds == nil {
		rounds = []fl.RoundReport{}
	}
	writeJSON(w, RoundsResponse{Rounds: rounds})
}

func (h *handler) handleModel(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	srv := h.src.Server()
	p := srv.GetServerParameters()
	resp := ModelResponse{
		Round:      srv.Round(),
		Tensors:    make([]TensorInfo, len(p)),
		Parameters: p.NumElements(),
	}
	for i, t := range p {
		resp.Tensors[i] = TensorInfo{Name: t.Name, Shape: t.Shape}
	}
	if r.URL.Query().Get("values") == "true" {
		resp.Values = p.Values()
	}
	writeJSON(w, resp)
}

func (h *handler) handleClients(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	monitor := h.src.Server().Monitor()
	clients := h.src.Clients()
	out := make([]ClientInfo, len(clients))
	for i, c := range clients {
		info := ClientInfo{
			ID:         c.ID,
			TrainSize:  len(c.Shard.Train),
			TestSize:   len(c.Shard.Test),
			Importance: c.Importance(),
		}
		if m, ok := c.LastMetrics(); ok {
			info.LastMetrics = &m
		}
		if l, ok := c.LastLoss(); ok {
			info.LastLoss = &l
		}
		if monitor != nil {
			info.Health = monitor.GetClientHealth(c.ID)
		}
		out[i] = info
	}
	writeJSON(w, ClientsResponse{Clients: out})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the status API on addr until ctx is cancelled, then shuts the
// listener down with a five second grace period.
func Serve(ctx context.Context, addr string, h http.Handler, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("status server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("status server: %w", err)
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	logger.Info("status server stopped")
	return nil
}
