package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/sdk/api"
)

type fakeData struct {
	snap domain.MarketSnapshot
	err  error
}

func (f fakeData) Snapshot(ctx context.Context, id string) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

func (f fakeData) Fetch(ctx context.Context, id string) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeFunds struct {
	available float64
	err       error
}

func (f fakeFunds) GetAccountFunds(ctx context.Context) (api.AccountFunds, error) {
	return api.AccountFunds{AvailableToBetBalance: f.available}, f.err
}

// fakeExecutor 按方案所属策略返回预设结果；未配置的策略全部成功
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	reports map[string]domain.ExecutionReport
}

func (f *fakeExecutor) Execute(ctx context.Context, marketID string, plan domain.WagerPlan, policy domain.ExecutionPolicy) domain.ExecutionReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, plan.Strategy)
	if r, ok := f.reports[plan.Strategy]; ok {
		r.MarketID = marketID
		return r
	}
	report := domain.ExecutionReport{MarketID: marketID, Planned: len(plan.Selections)}
	for _, o := range plan.Orders(marketID) {
		report.Results = append(report.Results, domain.BetResult{Order: o, Status: domain.BetStatusSuccess, BetID: "b"})
		report.Placed++
	}
	return report
}

type recordingSink struct {
	mu  sync.Mutex
	got []domain.Outcome
}

func (r *recordingSink) OnOutcome(ctx context.Context, o domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, o)
}

func newTestEvaluator(data fakeData, funds fakeFunds, exec *fakeExecutor) (*Evaluator, *recordingSink) {
	ev := NewDefaultEvaluator(DefaultParams(), data, data, funds, exec)
	sink := &recordingSink{}
	ev.AddSink(sink)
	return ev, sink
}

var arbRequest = Request{MarketID: "1.1", TimeToStartMinutes: 60, MatchedAmount: 1000, Sport: "Basketball"}

func TestEvaluateExecutesFirstApplicableStrategy(t *testing.T) {
	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.6, 4.0)}
	exec := &fakeExecutor{}
	ev, sink := newTestEvaluator(data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeExecuted, out.Status)
	assert.Equal(t, NameLayDutch, out.Strategy)
	assert.Equal(t, "1.1", out.MarketID)
	assert.NotEmpty(t, out.ID)
	assert.False(t, out.At.IsZero())
	require.NotNil(t, out.Metrics)
	assert.Equal(t, 11.8, out.Metrics.ExecutedLiability)
	assert.Equal(t, 0.59, out.Metrics.Commission)
	assert.InDelta(t, (0.771875-11.796*0.05)/11.796, out.Metrics.NetROI, 1e-6)
	assert.Equal(t, []string{NameLayDutch}, exec.calls)

	require.Len(t, sink.got, 1)
	assert.Equal(t, out.ID, sink.got[0].ID)
}

func TestEvaluateFallsThroughWhenNothingPlaced(t *testing.T) {
	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.6, 4.0)}
	exec := &fakeExecutor{reports: map[string]domain.ExecutionReport{
		NameLayDutch: {Planned: 2, Placed: 0, Err: errors.New("INSUFFICIENT_FUNDS")},
	}}
	ev, _ := newTestEvaluator(data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeExecuted, out.Status)
	assert.Equal(t, NameBackDutch, out.Strategy)
	assert.Equal(t, []string{NameLayDutch, NameBackDutch}, exec.calls)
}

func TestEvaluateStopsOnPartialExecution(t *testing.T) {
	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.6, 4.0)}
	exec := &fakeExecutor{reports: map[string]domain.ExecutionReport{
		NameLayDutch: {Planned: 2, Placed: 1, Err: errors.New("MARKET_SUSPENDED")},
	}}
	ev, sink := newTestEvaluator(data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeFailed, out.Status)
	assert.Equal(t, NameLayDutch, out.Strategy)
	assert.False(t, out.Retryable)
	assert.Contains(t, out.Reason, "placed 1 of 2")
	require.NotNil(t, out.Report)
	assert.Equal(t, []string{NameLayDutch}, exec.calls)
	require.Len(t, sink.got, 1)
	assert.Equal(t, domain.OutcomeFailed, sink.got[0].Status)
}

func TestEvaluateReturnsLastFailureWhenAllFail(t *testing.T) {
	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.6, 4.0)}
	failing := domain.ExecutionReport{Planned: 1, Placed: 0, Err: errors.New("rejected")}
	exec := &fakeExecutor{reports: map[string]domain.ExecutionReport{
		NameLayDutch:    failing,
		NameBackDutch:   failing,
		NameModifiedLTD: failing,
	}}
	ev, _ := newTestEvaluator(data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeFailed, out.Status)
	assert.Equal(t, NameModifiedLTD, out.Strategy)
	assert.True(t, out.Retryable)
	assert.Len(t, exec.calls, 3)
}

func TestEvaluateNotApplicable(t *testing.T) {
	// 没有套利空间，LTD 赔率比也不够
	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.9, 2.1)}
	exec := &fakeExecutor{}
	ev, _ := newTestEvaluator(data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeNotApplicable, out.Status)
	assert.Equal(t, "no suitable strategy", out.Reason)
	assert.Empty(t, exec.calls)
}

func TestEvaluateNotEnoughRunners(t *testing.T) {
	snap := twoRunnerSnapshot("1.1", 1.6, 4.0)
	snap.Runners[1].LayOdds = 0
	ev, _ := newTestEvaluator(fakeData{snap: snap}, fakeFunds{available: 1000}, &fakeExecutor{})

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeNotApplicable, out.Status)
	assert.Equal(t, "not enough valid runners", out.Reason)
}

func TestEvaluateDataErrorsAreRetryable(t *testing.T) {
	ev, _ := newTestEvaluator(fakeData{err: errors.New("boom")}, fakeFunds{available: 1000}, &fakeExecutor{})
	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeFailed, out.Status)
	assert.True(t, out.Retryable)
	assert.Contains(t, out.Reason, "market data")

	data := fakeData{snap: twoRunnerSnapshot("1.1", 1.6, 4.0)}
	ev, _ = newTestEvaluator(data, fakeFunds{err: errors.New("down")}, &fakeExecutor{})
	out = ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeFailed, out.Status)
	assert.True(t, out.Retryable)
	assert.Contains(t, out.Reason, "account funds")
}

// 复核时价格已变动：跳过 LayDutch，交给下一个策略
type movingData struct {
	fakeData
	moved domain.MarketSnapshot
}

func (m movingData) Fetch(ctx context.Context, id string) (domain.MarketSnapshot, error) {
	return m.moved, nil
}

func TestEvaluateSkipsStrategyOnFailedRevalidation(t *testing.T) {
	snap := twoRunnerSnapshot("1.1", 1.6, 4.0)
	data := movingData{fakeData: fakeData{snap: snap}, moved: twoRunnerSnapshot("1.1", 1.8, 4.0)}
	exec := &fakeExecutor{}
	ev := NewDefaultEvaluator(DefaultParams(), data, data, fakeFunds{available: 1000}, exec)

	out := ev.Evaluate(context.Background(), arbRequest)
	assert.Equal(t, domain.OutcomeExecuted, out.Status)
	assert.Equal(t, NameBackDutch, out.Strategy)
	assert.Equal(t, []string{NameBackDutch}, exec.calls)
}

func TestEvaluateRequiresMarketID(t *testing.T) {
	ev, _ := newTestEvaluator(fakeData{}, fakeFunds{}, &fakeExecutor{})
	out := ev.Evaluate(context.Background(), Request{})
	assert.Equal(t, domain.OutcomeNotApplicable, out.Status)
}
