// Package runner wires a configuration into a complete simulation: data,
// shards, clients, strategies and the federated server. Run then drives
// the rounds and keeps the running totals that end up in a Summary.
package runner

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/flsim/internal/aggregator"
	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/config"
	"github.com/dreamware/flsim/internal/coordinator"
	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/model"
	"github.com/dreamware/flsim/internal/selector"
	"github.com/dreamware/flsim/internal/shard"
	"github.com/dreamware/flsim/internal/storage"
)

// Independent random streams derived from the run seed. Client i uses
// streamClient+i.
const (
	streamData uint64 = iota + 1
	streamSplit
	streamPartition
	streamModel
	streamSelector
	streamClient uint64 = 100
)

// RoundResult is the driver's view of one finished round.
type RoundResult struct {
	Round    int           `json:"round"`
	Accuracy float64       `json:"accuracy"`
	F1       float64       `json:"f1"`
	Selected []int         `json:"selected"`
	Failed   []int         `json:"failed,omitempty"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Summary aggregates a whole run.
type Summary struct {
	RunID       string        `json:"run_id"`
	Rounds      []RoundResult `json:"rounds"`
	AvgAccuracy float64       `json:"avg_accuracy"`
	AvgF1       float64       `json:"avg_f1"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Runner holds every component of one simulation.
type Runner struct {
	cfg        config.Config
	logger     logrus.FieldLogger
	runID      string
	numClasses int
	startRound int

	clients []*client.Client
	server  *coordinator.Server
	store   storage.Store
	test    *dataset.Dataset
}

// New validates cfg and builds the simulation. No training happens here.
func New(cfg config.Config, logger logrus.FieldLogger) (*Runner, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, runID: uuid.NewString()}
	r.logger = logger.WithField("run_id", r.runID)

	if strings.EqualFold(cfg.Device, "cuda") {
		r.logger.Warn("CUDA is not available, falling back to CPU")
	}

	train, err := r.loadData()
	if err != nil {
		return nil, err
	}
	r.numClasses = train.NumClasses()

	strategy, err := shard.ParseStrategy(cfg.Partition)
	if err != nil {
		return nil, err
	}
	shards, err := shard.Partition(train.Samples, cfg.Clients, shard.Options{
		Strategy:     strategy,
		Alpha:        cfg.DirichletAlpha,
		TestFraction: cfg.ShardTestFraction,
	}, r.rng(streamPartition))
	if err != nil {
		return nil, fmt.Errorf("partition data: %w", err)
	}

	criterion, err := model.CriterionByName(cfg.Criterion)
	if err != nil {
		return nil, err
	}
	global, err := model.NewMLP(train.NumFeatures(), cfg.HiddenLayers, r.numClasses, r.rng(streamModel))
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	hyper := client.Hyper{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		Criterion:    criterion,
	}
	r.clients = make([]*client.Client, len(shards))
	for i, sh := range shards {
		r.clients[i] = client.New(i, sh, global, hyper, r.rng(streamClient+uint64(i)))
		info := sh.Info(r.numClasses)
		r.logger.WithFields(logrus.Fields{
			"client": i,
			"train":  info.TrainSize,
			"test":   info.TestSize,
			"labels": info.LabelCounts,
		}).Debug("client created")
	}

	sel, err := selector.New(cfg.SelectorConfig(r.numClasses), r.rng(streamSelector))
	if err != nil {
		return nil, err
	}
	agg, err := aggregator.New(cfg.Aggregator, cfg.AggregatorOptions(), r.logger)
	if err != nil {
		return nil, err
	}

	if cfg.CheckpointDir != "" {
		if r.store, err = storage.NewFileStore(cfg.CheckpointDir); err != nil {
			return nil, err
		}
	} else {
		r.store = storage.NewMemoryStore()
	}

	var monitor *coordinator.ParticipationMonitor
	if cfg.MaxConsecutiveFailures > 0 {
		monitor = coordinator.NewParticipationMonitor(cfg.MaxConsecutiveFailures, cfg.BenchRounds, r.logger)
	}

	r.server, err = coordinator.NewServer(global, r.test.Samples, sel, agg, r.logger, coordinator.Options{
		Workers:       cfg.Workers,
		RoundTimeout:  cfg.RoundTimeout,
		Retries:       cfg.TrainRetries,
		RetryInterval: cfg.RetryInterval,
		Criterion:     criterion,
		RunID:         r.runID,
		Store:         r.store,
		Monitor:       monitor,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Resume {
		if err := r.resume(); err != nil {
			return nil, err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"clients":    len(r.clients),
		"classes":    r.numClasses,
		"features":   train.NumFeatures(),
		"train":      train.Len(),
		"test":       r.test.Len(),
		"selector":   sel.Name(),
		"aggregator": agg.Name(),
		"partition":  cfg.Partition,
	}).Info("simulation ready")
	return r, nil
}

// loadData reads or generates the dataset, splits off the global test set
// and standardises both halves with statistics from the training half.
func (r *Runner) loadData() (*dataset.Dataset, error) {
	var (
		data *dataset.Dataset
		err  error
	)
	if r.cfg.DataPath != "" {
		data, err = dataset.LoadCSV(r.cfg.DataPath, dataset.CSVOptions{
			Delimiter: r.cfg.Delimiter(),
			Target:    r.cfg.TargetColumn,
		})
	} else {
		s := r.cfg.Synthetic
		data, err = dataset.Synthetic(dataset.SyntheticOptions{
			Samples:  s.Samples,
			Features: s.Features,
			Classes:  s.Classes,
			Spread:   s.Spread,
		}, r.rng(streamData))
	}
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}

	train, test, err := data.Split(r.cfg.TestFraction, r.rng(streamSplit))
	if err != nil {
		return nil, fmt.Errorf("split data: %w", err)
	}
	scaler := dataset.FitScaler(train.Samples)
	train.Samples = scaler.Transform(train.Samples)
	test.Samples = scaler.Transform(test.Samples)
	r.test = test
	return train, nil
}

// resume restores the latest checkpoint into the server and every client.
func (r *Runner) resume() error {
	cp, err := r.store.Latest()
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Info("no checkpoint to resume from, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := r.server.SetServerParameters(cp.Params); err != nil {
		return fmt.Errorf("resume from round %d: %w", cp.Round, err)
	}
	for _, c := range r.clients {
		if err := c.SetParameters(cp.Params); err != nil {
			return fmt.Errorf("resume client %d: %w", c.ID, err)
		}
	}
	r.startRound = cp.Round + 1
	r.server.SetRound(r.startRound)
	r.logger.WithFields(logrus.Fields{
		"round":    cp.Round,
		"from_run": cp.RunID,
		"accuracy": cp.Accuracy,
	}).Info("resumed from checkpoint")
	return nil
}

func (r *Runner) rng(stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(r.cfg.Seed, stream))
}

// RunID identifies this simulation in logs, checkpoints and results.
func (r *Runner) RunID() string { return r.runID }

// Server returns the federated server.
func (r *Runner) Server() *coordinator.Server { return r.server }

// Clients returns the client population.
func (r *Runner) Clients() []*client.Client { return r.clients }

// Store returns the checkpoint store.
func (r *Runner) Store() storage.Store { return r.store }

// NumClasses returns the number of encoded labels.
func (r *Runner) NumClasses() int { return r.numClasses }

// StartRound is the first round Run will execute.
func (r *Runner) StartRound() int { return r.startRound }

// Remaining is the number of configured rounds not yet run, counting
// rounds restored from a checkpoint as done.
func (r *Runner) Remaining() int {
	return max(r.cfg.Rounds()-r.server.Round(), 0)
}

// Run executes rounds federated rounds, evaluating the global model after
// each one. It stops at the first fatal error or when ctx is cancelled and
// returns the summary of the rounds that completed.
func (r *Runner) Run(ctx context.Context, rounds int) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: r.runID}

	results, err := r.openResults()
	if err != nil {
		return sum, err
	}
	defer results.close()

	var totalAcc, totalF1 float64
	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return r.finish(sum, totalAcc, totalF1, start), err
		}
		round := r.server.Round()
		if _, err := r.server.Update(ctx, r.clients); err != nil {
			return r.finish(sum, totalAcc, totalF1, start), err
		}
		acc, f1, err := r.server.Evaluate()
		if err != nil {
			return r.finish(sum, totalAcc, totalF1, start), err
		}

		res := RoundResult{Round: round, Accuracy: acc, F1: f1}
		if history := r.server.History(); len(history) > 0 {
			last := history[len(history)-1]
			res.Selected = last.Selected()
			res.Failed = last.FailedIDs()
			res.Skipped = last.Skipped
			res.Duration = last.Duration
		}
		totalAcc += acc
		totalF1 += f1
		sum.Rounds = append(sum.Rounds, res)

		r.logger.WithFields(logrus.Fields{
			"round":    round,
			"accuracy": acc,
			"f1":       f1,
			"selected": res.Selected,
			"skipped":  res.Skipped,
		}).Info("server evaluated")

		if err := results.write(res); err != nil {
			return r.finish(sum, totalAcc, totalF1, start), err
		}
	}

	sum = r.finish(sum, totalAcc, totalF1, start)
	r.logger.WithFields(logrus.Fields{
		"rounds":       len(sum.Rounds),
		"avg_accuracy": sum.AvgAccuracy,
		"avg_f1":       sum.AvgF1,
		"elapsed":      sum.Elapsed.String(),
	}).Info("simulation finished")
	return sum, nil
}

func (r *Runner) finish(sum Summary, totalAcc, totalF1 float64, start time.Time) Summary {
	if n := len(sum.Rounds); n > 0 {
		sum.AvgAccuracy = totalAcc / float64(n)
		sum.AvgF1 = totalF1 / float64(n)
	}
	sum.Elapsed = time.Since(start)
	return sum
}

// resultsHeader is the first row of the results CSV.
var resultsHeader = []string{"run_id", "round", "accuracy", "f1", "selected", "failed", "skipped", "duration"}

// resultsWriter appends one row per round; a nil file discards rows.
type resultsWriter struct {
	runID string
	f     *os.File
	w     *csv.Writer
}

// openResults creates the results file, or appends to it when resuming.
func (r *Runner) openResults() (*resultsWriter, error) {
	rw := &resultsWriter{runID: r.runID}
	path := r.cfg.ResultsPath
	if path == "" {
		return rw, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	header := true
	if r.cfg.Resume {
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			flags = os.O_WRONLY | os.O_APPEND
			header = false
		}
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	rw.f, rw.w = f, csv.NewWriter(f)
	if header {
		if err := rw.w.Write(resultsHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write results header: %w", err)
		}
		rw.w.Flush()
	}
	return rw, nil
}

func (rw *resultsWriter) write(res RoundResult) error {
	if rw.f == nil {
		return nil
	}
	row := []string{
		rw.runID,
		strconv.Itoa(res.Round),
		strconv.FormatFloat(res.Accuracy, 'f', 6, 64),
		strconv.FormatFloat(res.F1, 'f', 6, 64),
		joinIDs(res.Selected),
		joinIDs(res.Failed),
		strconv.FormatBool(res.Skipped),
		res.Duration.String(),
	}
	if err := rw.w.Write(row); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	rw.w.Flush()
	return rw.w.Error()
}

func (rw *resultsWriter) close() {
	if rw.f != nil {
		rw.w.Flush()
		_ = rw.f.Close()
	}
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
