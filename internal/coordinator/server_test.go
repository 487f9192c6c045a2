package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flsim/internal/aggregator"
	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/model"
	"github.com/dreamware/flsim/internal/params"
	"github.com/dreamware/flsim/internal/selector"
	"github.com/dreamware/flsim/internal/shard"
	"github.com/dreamware/flsim/internal/storage"
)

// stubLearner is a model whose training sets every parameter to target.
type stubLearner struct {
	mu     sync.Mutex
	p      params.Set
	target float64

	failFirst int           // Attempts that fail before training succeeds
	failAll   bool          // Every attempt fails
	block     bool          // Train waits for cancellation
	onTrain   func()        // Called at the start of every attempt
	started   *[]params.Set // Parameters seen at the start of each attempt
	attempts  *int
	wrongKeys bool // Parameters reports a renamed set after training
}

var errStub = errors.New("stub training failure")

func scalarSet(v float64) params.Set {
	return params.Set{
		{Name: "w", Shape: []int{2}, Data: []float64{v, v}},
		{Name: "b", Shape: []int{1}, Data: []float64{v}},
	}
}

func newStub(target float64) *stubLearner {
	return &stubLearner{p: scalarSet(0), target: target, started: &[]params.Set{}, attempts: new(int)}
}

func (s *stubLearner) Parameters() params.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrongKeys && s.p[0].Data[0] == s.target {
		return params.Set{{Name: "other", Shape: []int{1}, Data: []float64{s.target}}}
	}
	return s.p.Clone()
}

func (s *stubLearner) SetParameters(p params.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return params.CopyInto(s.p, p)
}

func (s *stubLearner) Train(ctx context.Context, samples []dataset.Sample, _ model.TrainOptions) (model.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.started = append(*s.started, s.p.Clone())
	*s.attempts++
	if s.onTrain != nil {
		s.onTrain()
	}
	if len(samples) == 0 {
		return model.History{}, model.ErrNoData
	}
	if s.block {
		<-ctx.Done()
		return model.History{}, ctx.Err()
	}
	if s.failAll || *s.attempts <= s.failFirst {
		return model.History{}, errStub
	}
	for i := range s.p {
		for j := range s.p[i].Data {
			s.p[i].Data[j] = s.target
		}
	}
	return model.History{EpochLoss: []float64{s.target}, Samples: len(samples)}, nil
}

func (s *stubLearner) Test(samples []dataset.Sample, _ model.Criterion) (model.Metrics, error) {
	if len(samples) == 0 {
		return model.Metrics{}, model.ErrNoData
	}
	return model.Metrics{Accuracy: 0.5, F1: 0.4, Loss: 1, Samples: len(samples)}, nil
}

func (s *stubLearner) Clone() model.Learner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &stubLearner{
		p:         s.p.Clone(),
		target:    s.target,
		failFirst: s.failFirst,
		failAll:   s.failAll,
		block:     s.block,
		onTrain:   s.onTrain,
		started:   s.started,
		attempts:  s.attempts,
		wrongKeys: s.wrongKeys,
	}
}

func stubClient(id, samples int, l *stubLearner) *client.Client {
	sh := shard.NewShard(id, make([]dataset.Sample, samples), make([]dataset.Sample, 1))
	return client.New(id, sh, l, client.Hyper{Epochs: 1}, nil)
}

func allSelector(t *testing.T) selector.Selector {
	t.Helper()
	sel, err := selector.NewRandom(1, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	return sel
}

func newStubServer(t *testing.T, logger logrus.FieldLogger, opts Options) *Server {
	t.Helper()
	if logger == nil {
		logger, _ = test.NewNullLogger()
	}
	agg, err := aggregator.New("fedavg", aggregator.Options{}, logger)
	require.NoError(t, err)
	srv, err := NewServer(newStub(0), make([]dataset.Sample, 4), allSelector(t), agg, logger, opts)
	require.NoError(t, err)
	return srv
}

func assertBroadcast(t *testing.T, srv *Server, clients []*client.Client) {
	t.Helper()
	global := srv.GetServerParameters()
	for _, c := range clients {
		assert.True(t, global.Equal(c.GetParameters()), "client %d diverges from global", c.ID)
	}
}

// TestUpdateWeightedAverage checks the FedAvg result and that every client,
// including one with no data, receives the new global parameters.
func TestUpdateWeightedAverage(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	clients := []*client.Client{
		stubClient(0, 10, newStub(2)),
		stubClient(1, 30, newStub(6)),
		stubClient(2, 0, newStub(100)),
	}

	out, err := srv.Update(context.Background(), clients)
	require.NoError(t, err)
	assert.Equal(t, clients, out)

	assert.True(t, srv.GetServerParameters().Equal(scalarSet(5)))
	assertBroadcast(t, srv, clients)
	assert.Equal(t, StateIdle, srv.State())
	assert.Equal(t, 1, srv.Round())

	history := srv.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Skipped)
	assert.ElementsMatch(t, []int{0, 1}, history[0].Selected())
	for _, c := range history[0].Clients {
		assert.True(t, c.Aggregated)
		assert.Equal(t, 0.5, c.Accuracy)
		assert.Equal(t, 1, c.Attempts)
	}
}

func TestUpdateResetsClientsToGlobal(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	require.NoError(t, srv.SetServerParameters(scalarSet(3)))

	l := newStub(9)
	c := stubClient(0, 4, l)
	require.NoError(t, c.SetParameters(scalarSet(-1)))

	_, err := srv.Update(context.Background(), []*client.Client{c})
	require.NoError(t, err)

	// client.New clones the learner, but the started slice is shared.
	require.Len(t, *l.started, 1)
	assert.True(t, (*l.started)[0].Equal(scalarSet(3)))
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(9)))
}

func TestUpdateSkipsEmptyPopulation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	srv := newStubServer(t, logger, Options{})
	require.NoError(t, srv.SetServerParameters(scalarSet(4)))

	clients := []*client.Client{stubClient(0, 0, newStub(1)), stubClient(1, 0, newStub(1))}
	out, err := srv.Update(context.Background(), clients)
	require.NoError(t, err)
	assert.Equal(t, clients, out)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(4)))

	history := srv.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Skipped)
	assert.Equal(t, 1, srv.Round())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "no clients selected, skipping round" {
			warned = true
		}
	}
	assert.True(t, warned)

	_, err = srv.Update(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, srv.History(), 2)
}

func TestUpdateIsolatesFailures(t *testing.T) {
	monitor := NewParticipationMonitor(3, 1, nil)
	srv := newStubServer(t, nil, Options{Monitor: monitor})

	bad := newStub(50)
	bad.failAll = true
	clients := []*client.Client{
		stubClient(0, 8, newStub(7)),
		stubClient(1, 8, bad),
	}

	_, err := srv.Update(context.Background(), clients)
	require.NoError(t, err)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(7)))
	assertBroadcast(t, srv, clients)

	report := srv.History()[0]
	assert.Equal(t, []int{1}, report.FailedIDs())
	for _, c := range report.Clients {
		if c.ClientID == 1 {
			assert.False(t, c.Aggregated)
			assert.Contains(t, c.Err, errStub.Error())
		}
	}

	health := monitor.GetClientHealth(1)
	require.NotNil(t, health)
	assert.Equal(t, 1, health.ConsecutiveFails)
	assert.True(t, monitor.IsHealthy(0))
}

func TestUpdateAllFailedKeepsGlobal(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	require.NoError(t, srv.SetServerParameters(scalarSet(1)))

	bad := newStub(50)
	bad.failAll = true
	clients := []*client.Client{stubClient(0, 8, bad)}

	_, err := srv.Update(context.Background(), clients)
	require.NoError(t, err)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(1)))
	assertBroadcast(t, srv, clients)
}

func TestUpdateRetriesFromGlobal(t *testing.T) {
	srv := newStubServer(t, nil, Options{Retries: 2, RetryInterval: time.Millisecond})
	require.NoError(t, srv.SetServerParameters(scalarSet(2)))

	l := newStub(8)
	l.failFirst = 2
	c := stubClient(0, 4, l)

	_, err := srv.Update(context.Background(), []*client.Client{c})
	require.NoError(t, err)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(8)))

	assert.Equal(t, 3, srv.History()[0].Clients[0].Attempts)
	require.Len(t, *l.started, 3)
	for _, p := range *l.started {
		assert.True(t, p.Equal(scalarSet(2)))
	}
}

func TestUpdateRoundTimeout(t *testing.T) {
	srv := newStubServer(t, nil, Options{Workers: 2, RoundTimeout: 30 * time.Millisecond})

	slow := newStub(40)
	slow.block = true
	clients := []*client.Client{stubClient(0, 4, newStub(3)), stubClient(1, 4, slow)}

	_, err := srv.Update(context.Background(), clients)
	require.NoError(t, err)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(3)))
	assert.Equal(t, []int{1}, srv.History()[0].FailedIDs())
}

func TestUpdateCancelled(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := newStub(40)
	slow.block = true
	_, err := srv.Update(ctx, []*client.Client{stubClient(0, 4, slow)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.History())
	assert.Equal(t, StateIdle, srv.State())
}

func TestUpdateShapeMismatchIsFatal(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	odd := newStub(5)
	odd.wrongKeys = true

	_, err := srv.Update(context.Background(), []*client.Client{stubClient(0, 4, newStub(1)), stubClient(1, 4, odd)})
	var shapeErr *aggregator.ShapeError
	require.True(t, errors.As(err, &shapeErr), "got %v", err)
	assert.Equal(t, 1, shapeErr.ClientID)
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(0)))
}

func TestStateTransitions(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	assert.Equal(t, StateIdle, srv.State())

	var seen State
	l := newStub(1)
	l.onTrain = func() { seen = srv.State() }

	_, err := srv.Update(context.Background(), []*client.Client{stubClient(0, 4, l)})
	require.NoError(t, err)
	assert.Equal(t, StateTraining, seen)
	assert.Equal(t, StateIdle, srv.State())

	assert.Equal(t, "AGGREGATING", StateAggregating.String())
	assert.Equal(t, "EVALUATING", StateEvaluating.String())
}

func TestServerParameterAccess(t *testing.T) {
	srv := newStubServer(t, nil, Options{})

	p := srv.GetServerParameters()
	p[0].Data[0] = 99
	assert.Equal(t, 0.0, srv.GetServerParameters()[0].Data[0], "getter must return a copy")

	require.NoError(t, srv.SetServerValues([][]float64{{1, 2}, {3}}))
	assert.Equal(t, [][]float64{{1, 2}, {3}}, srv.GetServerParameters().Values())

	var shapeErr *params.ShapeError
	assert.True(t, errors.As(srv.SetServerValues([][]float64{{1, 2}}), &shapeErr))
	assert.True(t, errors.As(srv.SetServerValues([][]float64{{1}, {3}}), &shapeErr))
	assert.True(t, errors.As(srv.SetServerParameters(params.Set{}), &shapeErr))

	other := newStub(0)
	require.NoError(t, other.SetParameters(scalarSet(6)))
	require.NoError(t, srv.LoadModel(other))
	assert.True(t, srv.GetServerParameters().Equal(scalarSet(6)))
}

func TestEvaluateRecordsMetrics(t *testing.T) {
	store := storage.NewMemoryStore()
	srv := newStubServer(t, nil, Options{Store: store, RunID: "run-1"})

	_, err := srv.Update(context.Background(), []*client.Client{stubClient(0, 4, newStub(2))})
	require.NoError(t, err)

	cp, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 0, cp.Round)
	assert.Equal(t, "run-1", cp.RunID)
	assert.True(t, cp.Params.Equal(scalarSet(2)))

	acc, f1, err := srv.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 0.5, acc)
	assert.Equal(t, 0.4, f1)
	assert.Equal(t, StateIdle, srv.State())

	report := srv.History()[0]
	assert.True(t, report.Evaluated)
	assert.Equal(t, 0.5, report.Accuracy)

	cp, err = store.Load(0)
	require.NoError(t, err)
	assert.Equal(t, 0.4, cp.F1)
}

func TestEvaluateWithoutTestSet(t *testing.T) {
	logger, _ := test.NewNullLogger()
	agg, err := aggregator.New("fedavg", aggregator.Options{}, logger)
	require.NoError(t, err)
	srv, err := NewServer(newStub(0), nil, allSelector(t), agg, logger, Options{})
	require.NoError(t, err)

	_, _, err = srv.Evaluate()
	assert.ErrorIs(t, err, model.ErrNoData)
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil, nil, Options{})
	assert.Error(t, err)
}

func TestMonitorBenchesFailingClient(t *testing.T) {
	monitor := NewParticipationMonitor(2, 1, nil)
	var benched []int
	monitor.SetOnUnhealthy(func(id int) { benched = append(benched, id) })
	srv := newStubServer(t, nil, Options{Monitor: monitor})

	bad := newStub(50)
	bad.failAll = true
	clients := []*client.Client{stubClient(0, 8, newStub(7)), stubClient(1, 8, bad)}

	for round := 0; round < 4; round++ {
		_, err := srv.Update(context.Background(), clients)
		require.NoError(t, err)
	}

	history := srv.History()
	assert.ElementsMatch(t, []int{0, 1}, history[0].Selected())
	assert.ElementsMatch(t, []int{0, 1}, history[1].Selected())
	assert.Equal(t, []int{0}, history[2].Selected(), "client 1 sits out its cooldown")
	assert.ElementsMatch(t, []int{0, 1}, history[3].Selected())
	assert.Equal(t, []int{1}, benched)

	health := monitor.GetClientHealth(1)
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, 3, health.ConsecutiveFails)
	assert.Equal(t, 3, health.Selected)
}

// TestParallelMatchesSequential trains real models with one and several
// workers and expects identical global parameters.
func TestParallelMatchesSequential(t *testing.T) {
	run := func(workers int) params.Set {
		ds, err := dataset.Synthetic(dataset.SyntheticOptions{Samples: 240, Features: 4, Classes: 3}, rand.New(rand.NewPCG(11, 11)))
		require.NoError(t, err)
		shards, err := shard.Partition(ds.Samples, 4, shard.Options{Strategy: shard.StrategyIID, TestFraction: 0.2}, rand.New(rand.NewPCG(2, 2)))
		require.NoError(t, err)
		global, err := model.NewMLP(4, []int{6}, 3, rand.New(rand.NewPCG(3, 3)))
		require.NoError(t, err)

		clients := make([]*client.Client, len(shards))
		for i, sh := range shards {
			clients[i] = client.New(i, sh, global, client.Hyper{LearningRate: 0.05, Epochs: 2, BatchSize: 16}, rand.New(rand.NewPCG(uint64(i), 9)))
		}
		logger, _ := test.NewNullLogger()
		agg, err := aggregator.New("fedavg", aggregator.Options{}, logger)
		require.NoError(t, err)
		sel, err := selector.NewRandom(0.75, rand.New(rand.NewPCG(4, 4)))
		require.NoError(t, err)
		srv, err := NewServer(global, ds.Samples[:40], sel, agg, logger, Options{Workers: workers})
		require.NoError(t, err)

		for round := 0; round < 2; round++ {
			_, err := srv.Update(context.Background(), clients)
			require.NoError(t, err)
		}
		assertBroadcast(t, srv, clients)
		return srv.GetServerParameters()
	}

	assert.True(t, run(1).Equal(run(4)))
}

func TestUpdateReportsFailedClientErrors(t *testing.T) {
	srv := newStubServer(t, nil, Options{})
	bad := newStub(1)
	bad.failAll = true

	_, err := srv.Update(context.Background(), []*client.Client{stubClient(3, 2, bad)})
	require.NoError(t, err)

	c := srv.History()[0].Clients[0]
	assert.True(t, c.Failed())
	assert.Contains(t, c.Err, (&fl.ClientTrainingError{ClientID: 3, Phase: "train", Err: errStub}).Error())
}
