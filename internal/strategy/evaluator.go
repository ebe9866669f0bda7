package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/metrics"
	"github.com/betbot/dutchbet/pkg/sdk/api"
)

// MarketData 评估所需的行情（snapshot.Provider）
type MarketData interface {
	Snapshot(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
}

// FundsSource 账户余额（api.Client）
type FundsSource interface {
	GetAccountFunds(ctx context.Context) (api.AccountFunds, error)
}

// Executor 顺序下单（execution.Executor）
type Executor interface {
	Execute(ctx context.Context, marketID string, plan domain.WagerPlan, policy domain.ExecutionPolicy) domain.ExecutionReport
}

// OutcomeSink 评估结果的下游（账本、推送）
type OutcomeSink interface {
	OnOutcome(ctx context.Context, o domain.Outcome)
}

// Request 一次评估的输入，上游已保证非负
type Request struct {
	MarketID           string  `json:"marketId"`
	TimeToStartMinutes float64 `json:"timeToStartMinutes"`
	MatchedAmount      float64 `json:"matchedAmount"`
	Sport              string  `json:"sport,omitempty"`
}

type Evaluator struct {
	data       MarketData
	funds      FundsSource
	exec       Executor
	strategies []Strategy
	commission float64
	sinks      []OutcomeSink
	now        func() time.Time
}

// NewEvaluator strategies 按传入顺序尝试
func NewEvaluator(data MarketData, funds FundsSource, exec Executor, commission float64, strategies ...Strategy) *Evaluator {
	return &Evaluator{
		data:       data,
		funds:      funds,
		exec:       exec,
		strategies: strategies,
		commission: commission,
		now:        time.Now,
	}
}

// NewDefaultEvaluator LayDutch → BackDutch → ModifiedLTD
func NewDefaultEvaluator(p Params, data MarketData, refetch Refetcher, funds FundsSource, exec Executor) *Evaluator {
	return NewEvaluator(data, funds, exec, p.LayDutch.Commission,
		NewLayDutch(p.LayDutch, refetch),
		NewBackDutch(p.BackDutch),
		NewModifiedLTD(p.LTD),
	)
}

// AddSink 注册结果下游，须在开始评估前调用
func (e *Evaluator) AddSink(s OutcomeSink) {
	e.sinks = append(e.sinks, s)
}

// Evaluate 选出第一个可执行的策略并下单。
// 某个策略下单失败且一笔都没成交时继续尝试下一个；有成交（含部分成交）则直接返回。
func (e *Evaluator) Evaluate(ctx context.Context, req Request) domain.Outcome {
	out := e.evaluate(ctx, req)
	out.ID = uuid.NewString()
	out.MarketID = req.MarketID
	out.At = e.now()
	countOutcome(out.Status)
	for _, s := range e.sinks {
		s.OnOutcome(ctx, out)
	}
	return out
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) domain.Outcome {
	logger := log.WithFields(logrus.Fields{
		"market":  req.MarketID,
		"start":   req.TimeToStartMinutes,
		"matched": req.MatchedAmount,
	})
	if req.MarketID == "" {
		return domain.NotApplicable("", "market id is required")
	}
	logger.Info("开始策略评估")

	snap, err := e.data.Snapshot(ctx, req.MarketID)
	if err != nil {
		return domain.Failed("", fmt.Sprintf("failed to fetch market data: %v", err), true)
	}
	if len(snap.PricedRunners()) < 2 {
		return domain.NotApplicable("", "not enough valid runners")
	}
	funds, err := e.funds.GetAccountFunds(ctx)
	if err != nil {
		return domain.Failed("", fmt.Sprintf("failed to fetch account funds: %v", err), true)
	}

	env := Env{
		Match:    domain.NewMatch(req.MarketID, req.MatchedAmount, req.TimeToStartMinutes, req.Sport, snap),
		Snapshot: snap,
		Funds:    funds.AvailableToBetBalance,
	}

	var lastFailure *domain.Outcome
	for _, s := range e.strategies {
		cand, reason := s.Plan(env)
		if cand == nil {
			logger.WithField("strategy", s.Name()).Infof("条件不满足: %s", reason)
			continue
		}

		if rv, ok := s.(Revalidator); ok {
			reason, err := rv.Revalidate(ctx, req.MarketID, cand.Plan)
			if err != nil {
				return domain.Failed(s.Name(), fmt.Sprintf("failed to revalidate market: %v", err), true)
			}
			if reason != "" {
				logger.WithField("strategy", s.Name()).Warnf("下单前复核未通过: %s", reason)
				continue
			}
		}

		plan := cand.Plan
		logger.WithFields(logrus.Fields{
			"strategy":   s.Name(),
			"selections": len(plan.Selections),
			"liability":  plan.TotalLiability,
			"profit":     plan.PotentialProfit,
			"roi":        plan.ROI,
		}).Info("执行方案")

		report := e.exec.Execute(ctx, req.MarketID, plan, cand.Policy)
		if report.Complete() {
			return domain.Outcome{
				Status:   domain.OutcomeExecuted,
				Strategy: s.Name(),
				Plan:     &plan,
				Report:   &report,
				Metrics:  e.stats(plan, report),
			}
		}

		failed := domain.Failed(s.Name(), failureReason(report), false)
		failed.Plan = &plan
		failed.Report = &report
		if report.Placed > 0 {
			logger.Warnf("部分执行: %d/%d 笔已下单", report.Placed, report.Planned)
			return failed
		}
		failed.Retryable = true
		lastFailure = &failed
		if ctx.Err() != nil {
			return failed
		}
	}

	if lastFailure != nil {
		return *lastFailure
	}
	return domain.NotApplicable("", "no suitable strategy")
}

func (e *Evaluator) stats(plan domain.WagerPlan, report domain.ExecutionReport) *domain.ExecutionStats {
	liability := report.PlacedLiability()
	commission := liability * e.commission
	st := &domain.ExecutionStats{
		ExecutedLiability: round2(liability),
		Commission:        round2(commission),
	}
	if liability > 0 {
		st.NetROI = (plan.PotentialProfit - commission) / liability
	}
	return st
}

func countOutcome(st domain.OutcomeStatus) {
	metrics.Evaluations.Add(1)
	switch st {
	case domain.OutcomeExecuted:
		metrics.OutcomesExecuted.Add(1)
	case domain.OutcomeFailed:
		metrics.OutcomesFailed.Add(1)
	default:
		metrics.OutcomesNotApplicable.Add(1)
	}
}

func failureReason(r domain.ExecutionReport) string {
	msg := fmt.Sprintf("placed %d of %d bets", r.Placed, r.Planned)
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}
