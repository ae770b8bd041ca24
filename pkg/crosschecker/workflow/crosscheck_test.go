package workflow

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/graphops/poiwatch/pkg/crosschecker/activity"
	"github.com/graphops/poiwatch/pkg/crosschecker/types"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
	"github.com/graphops/poiwatch/pkg/temporal"
)

const (
	wfDeployment  = "QmWmyoMoctfbAaiEs2G46gpeUmhqFRDW6KWo64y5r581Vz"
	wfDeploymentB = "QmYHzE9BWzM4rgQ1kmSB5srcc3nYBMQrfYPGAXBB6vWdqQ"
)

func TestCrossCheckWorkflowPinpointsDivergence(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	store := newWfFakeStore()
	store.addDeployment(wfDeployment, 10)
	store.addIndexer("indexer-a")
	store.addIndexer("indexer-b")
	store.addIndexer("indexer-c")

	activityCtx := &activity.Context{
		Logger:  zaptest.NewLogger(t),
		AuditDB: store,
		Fetcher: &wfFakeFetcher{forkedIndexer: "indexer-c", forkAt: 60},
		Statuses: &wfFakeStatuses{
			deployments: []string{wfDeployment},
			latest:      100,
		},
		RunnerConfig: wfRunnerConfig(),
	}
	wfCtx := Context{
		TemporalClient:  &temporal.Client{},
		ActivityContext: activityCtx,
	}

	env.RegisterWorkflow(wfCtx.CrossCheckWorkflow)
	env.RegisterWorkflow(wfCtx.BisectionWorkflow)
	env.RegisterActivity(activityCtx.RunCrossCheckPass)
	env.RegisterActivity(activityCtx.ListActiveInvestigations)
	env.RegisterActivity(activityCtx.RunBisection)

	env.ExecuteWorkflow(wfCtx.CrossCheckWorkflow, types.CrossCheckInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.CrossCheckOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 1, out.Summary.Divergent)
	require.Len(t, out.Summary.Opened, 1)
	require.Len(t, out.Bisections, 1)
	assert.Equal(t, string(poi.StatusPinpointed), out.Bisections[0].Status)
	assert.Equal(t, uint64(60), out.Bisections[0].DivergingBlock)

	inv := store.investigation(out.Summary.Opened[0])
	require.NotNil(t, inv)
	assert.Equal(t, poi.StatusPinpointed, inv.Status)

	reports := store.allReports()
	require.Len(t, reports, 1)
	assert.Equal(t, wfDeployment, reports[0].Deployment)
	assert.Equal(t, uint64(60), reports[0].DivergingBlock)
	assert.NotEqual(t, reports[0].DigestA, reports[0].DigestB)
}

func TestCrossCheckWorkflowBisectionOrderIsDeterministic(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	store := newWfFakeStore()
	store.addDeployment(wfDeployment, 10)
	store.addDeployment(wfDeploymentB, 10)
	store.addIndexer("indexer-a")
	store.addIndexer("indexer-b")
	store.addIndexer("indexer-c")

	activityCtx := &activity.Context{
		Logger:  zaptest.NewLogger(t),
		AuditDB: store,
		Fetcher: &wfFakeFetcher{forkedIndexer: "indexer-c", forkAt: 60},
		Statuses: &wfFakeStatuses{
			deployments: []string{wfDeployment, wfDeploymentB},
			latest:      100,
		},
		RunnerConfig: wfRunnerConfig(),
	}
	wfCtx := Context{TemporalClient: &temporal.Client{}, ActivityContext: activityCtx}

	env.RegisterWorkflow(wfCtx.CrossCheckWorkflow)
	env.RegisterWorkflow(wfCtx.BisectionWorkflow)
	env.RegisterActivity(activityCtx.RunCrossCheckPass)
	env.RegisterActivity(activityCtx.ListActiveInvestigations)
	env.RegisterActivity(activityCtx.RunBisection)

	env.ExecuteWorkflow(wfCtx.CrossCheckWorkflow, types.CrossCheckInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.CrossCheckOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 2, out.Summary.Divergent)
	require.Len(t, out.Summary.Opened, 2)
	require.Len(t, out.Bisections, 2)

	// Results come back in listing order, not launch-completion order.
	expected := append([]string(nil), out.Summary.Opened...)
	sort.Strings(expected)
	got := []string{out.Bisections[0].InvestigationID, out.Bisections[1].InvestigationID}
	assert.Equal(t, expected, got)

	for _, b := range out.Bisections {
		assert.Equal(t, string(poi.StatusPinpointed), b.Status)
		assert.Equal(t, uint64(60), b.DivergingBlock)
	}
}

func TestCrossCheckWorkflowUnanimousOpensNothing(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	store := newWfFakeStore()
	store.addDeployment(wfDeployment, 10)
	store.addIndexer("indexer-a")
	store.addIndexer("indexer-b")

	activityCtx := &activity.Context{
		Logger:  zaptest.NewLogger(t),
		AuditDB: store,
		Fetcher: &wfFakeFetcher{},
		Statuses: &wfFakeStatuses{
			deployments: []string{wfDeployment},
			latest:      100,
		},
		RunnerConfig: wfRunnerConfig(),
	}
	wfCtx := Context{TemporalClient: &temporal.Client{}, ActivityContext: activityCtx}

	env.RegisterWorkflow(wfCtx.CrossCheckWorkflow)
	env.RegisterWorkflow(wfCtx.BisectionWorkflow)
	env.RegisterActivity(activityCtx.RunCrossCheckPass)
	env.RegisterActivity(activityCtx.ListActiveInvestigations)
	env.RegisterActivity(activityCtx.RunBisection)

	env.ExecuteWorkflow(wfCtx.CrossCheckWorkflow, types.CrossCheckInput{})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.CrossCheckOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 1, out.Summary.Unanimous)
	assert.Empty(t, out.Summary.Opened)
	assert.Empty(t, out.Bisections)
	assert.Empty(t, store.allReports())
}

func TestBisectionWorkflowIsIdempotentOnTerminalState(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	store := newWfFakeStore()
	store.addIndexer("indexer-a")
	store.addIndexer("indexer-b")

	inv, err := poi.NewInvestigation(wfDeployment, "indexer-a", "indexer-b", 10, 100)
	require.NoError(t, err)
	inv.DivergingBlock = 42
	inv.Finish(poi.StatusPinpointed, "")
	require.NoError(t, store.PutInvestigation(context.Background(), inv))

	activityCtx := &activity.Context{
		Logger:       zaptest.NewLogger(t),
		AuditDB:      store,
		Fetcher:      &wfFakeFetcher{},
		RunnerConfig: wfRunnerConfig(),
	}
	wfCtx := Context{TemporalClient: &temporal.Client{}, ActivityContext: activityCtx}

	env.RegisterWorkflow(wfCtx.BisectionWorkflow)
	env.RegisterActivity(activityCtx.RunBisection)

	env.ExecuteWorkflow(wfCtx.BisectionWorkflow, types.BisectionInput{InvestigationID: inv.ID})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.BisectionOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, string(poi.StatusPinpointed), out.Status)
	assert.Equal(t, uint64(42), out.DivergingBlock)
	// No second report for an investigation that already finished.
	assert.Empty(t, store.allReports())
}

func TestBisectionWorkflowUnknownInvestigationFailsFast(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	activityCtx := &activity.Context{
		Logger:       zaptest.NewLogger(t),
		AuditDB:      newWfFakeStore(),
		Fetcher:      &wfFakeFetcher{},
		RunnerConfig: wfRunnerConfig(),
	}
	wfCtx := Context{TemporalClient: &temporal.Client{}, ActivityContext: activityCtx}

	env.RegisterWorkflow(wfCtx.BisectionWorkflow)
	env.RegisterActivity(activityCtx.RunBisection)

	env.ExecuteWorkflow(wfCtx.BisectionWorkflow, types.BisectionInput{InvestigationID: "missing"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func wfRunnerConfig() poi.RunnerConfig {
	cfg := poi.DefaultRunnerConfig()
	cfg.MaxConcurrentFetches = 4
	cfg.FetchTimeout = time.Second
	cfg.Bisect.FetchTimeout = time.Second
	cfg.Bisect.RetryDelay = time.Millisecond
	return cfg
}

func wfDigest(seed string, block uint64) poi.Digest {
	return poi.Digest(sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, block))))
}

type wfFakeFetcher struct {
	forkedIndexer string
	forkAt        uint64
}

func (f *wfFakeFetcher) FetchDigest(_ context.Context, deployment string, ix poi.Indexer, block uint64) (*poi.DigestRecord, error) {
	seed := "canonical"
	if f.forkedIndexer != "" && ix.ID == f.forkedIndexer && block >= f.forkAt {
		seed = "forked"
	}
	return &poi.DigestRecord{
		Deployment: deployment,
		Indexer:    ix.ID,
		Block:      poi.BlockPointer{Number: block, Hash: fmt.Sprintf("0x%x", block)},
		Digest:     wfDigest(seed, block),
		ObservedAt: time.Now().UTC(),
	}, nil
}

type wfFakeStatuses struct {
	deployments []string
	latest      uint64
}

func (f *wfFakeStatuses) IndexingStatuses(_ context.Context, ix poi.Indexer) ([]poi.IndexingStatus, error) {
	out := make([]poi.IndexingStatus, 0, len(f.deployments))
	for _, dep := range f.deployments {
		out = append(out, poi.IndexingStatus{
			Deployment:  dep,
			Indexer:     ix.ID,
			LatestBlock: poi.BlockPointer{Number: f.latest},
		})
	}
	return out, nil
}

type wfFakeStore struct {
	mu          sync.Mutex
	digests     map[string]*poi.DigestRecord
	invs        map[string]*poi.Investigation
	reports     []*poi.CrossCheckReport
	indexers    []*auditmodels.Indexer
	deployments []*auditmodels.Deployment
}

func newWfFakeStore() *wfFakeStore {
	return &wfFakeStore{
		digests: make(map[string]*poi.DigestRecord),
		invs:    make(map[string]*poi.Investigation),
	}
}

func (s *wfFakeStore) addDeployment(id string, startBlock uint64) {
	s.deployments = append(s.deployments, &auditmodels.Deployment{ID: id, StartBlock: startBlock, Enabled: 1})
}

func (s *wfFakeStore) addIndexer(id string) {
	s.indexers = append(s.indexers, &auditmodels.Indexer{ID: id, Address: "http://" + id + ".local", Enabled: 1})
}

func (s *wfFakeStore) investigation(id string) *poi.Investigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneInvestigation(s.invs[id])
}

func (s *wfFakeStore) allReports() []*poi.CrossCheckReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*poi.CrossCheckReport(nil), s.reports...)
}

func digestKey(deployment, indexer string, block uint64) string {
	return fmt.Sprintf("%s|%s|%d", deployment, indexer, block)
}

func cloneInvestigation(inv *poi.Investigation) *poi.Investigation {
	if inv == nil {
		return nil
	}
	cp := *inv
	cp.Probes = append([]poi.Probe(nil), inv.Probes...)
	return &cp
}

func (s *wfFakeStore) PutDigest(_ context.Context, rec *poi.DigestRecord, _ poi.Liveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.digests[digestKey(rec.Deployment, rec.Indexer, rec.Block.Number)] = &cp
	return nil
}

func (s *wfFakeStore) GetDigest(_ context.Context, deployment, indexer string, block uint64) (*poi.DigestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.digests[digestKey(deployment, indexer, block)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *wfFakeStore) LatestAgreeingBlock(_ context.Context, deployment, indexerA, indexerB string, before uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best uint64
	found := false
	for block := uint64(0); block < before; block++ {
		a, okA := s.digests[digestKey(deployment, indexerA, block)]
		b, okB := s.digests[digestKey(deployment, indexerB, block)]
		if okA && okB && a.Digest == b.Digest && block >= best {
			best, found = block, true
		}
	}
	return best, found, nil
}

func (s *wfFakeStore) FindInvestigation(_ context.Context, deployment, indexerA, indexerB string, origin uint64) (*poi.Investigation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneInvestigation(s.invs[poi.InvestigationID(deployment, indexerA, indexerB, origin)]), nil
}

func (s *wfFakeStore) PutInvestigation(_ context.Context, inv *poi.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invs[inv.ID] = cloneInvestigation(inv)
	return nil
}

func (s *wfFakeStore) PutReport(_ context.Context, rep *poi.CrossCheckReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rep
	s.reports = append(s.reports, &cp)
	return nil
}

func (s *wfFakeStore) GetInvestigation(_ context.Context, id string) (*poi.Investigation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneInvestigation(s.invs[id]), nil
}

func (s *wfFakeStore) ListInvestigations(context.Context, string, int) ([]*auditmodels.Investigation, error) {
	return nil, nil
}

func (s *wfFakeStore) ListActiveInvestigations(context.Context) ([]*poi.Investigation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*poi.Investigation
	for _, inv := range s.invs {
		if inv.Status == poi.StatusActive {
			out = append(out, cloneInvestigation(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *wfFakeStore) ListDigests(context.Context, string, int) ([]*auditmodels.Poi, error) {
	return nil, nil
}

func (s *wfFakeStore) ListReports(context.Context, string, int) ([]*auditmodels.Report, error) {
	return nil, nil
}

func (s *wfFakeStore) UpsertDeployment(_ context.Context, d *auditmodels.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments = append(s.deployments, d)
	return nil
}

func (s *wfFakeStore) UpsertIndexer(_ context.Context, ix *auditmodels.Indexer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexers = append(s.indexers, ix)
	return nil
}

func (s *wfFakeStore) ListDeployments(context.Context) ([]*auditmodels.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*auditmodels.Deployment(nil), s.deployments...), nil
}

func (s *wfFakeStore) ListIndexers(context.Context) ([]*auditmodels.Indexer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*auditmodels.Indexer(nil), s.indexers...), nil
}

func (s *wfFakeStore) AuditBatch(context.Context) (*poi.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := &poi.Batch{}
	for _, d := range s.deployments {
		if d.Enabled == 1 {
			batch.Deployments = append(batch.Deployments, d.Deployment())
		}
	}
	for _, ix := range s.indexers {
		if ix.Enabled == 1 {
			batch.Indexers = append(batch.Indexers, ix.Indexer())
		}
	}
	return batch, nil
}

func (s *wfFakeStore) GetConnection() driver.Conn { return nil }
func (s *wfFakeStore) DatabaseName() string       { return "poiwatch_test" }
func (s *wfFakeStore) Close() error               { return nil }
