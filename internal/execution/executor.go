package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/metrics"
	"github.com/betbot/dutchbet/internal/risk"
)

var log = logrus.WithField("component", "execution")

// OrderPlacer 单笔下单（api.Client）。
// 交易所处理过但拒绝的订单返回 FAILURE 结果且 err 为 nil。
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, o domain.BetOrder) (domain.BetResult, error)
}

// BetSink 每笔下单结果的下游（账本、推送）
type BetSink interface {
	OnBet(ctx context.Context, strategy string, res domain.BetResult)
}

type Options struct {
	// InFlightTTL 同一市场的执行去重窗口
	InFlightTTL time.Duration
}

// Executor 按顺序逐笔下单，不做并发，也不回滚已下的单。
type Executor struct {
	orders   OrderPlacer
	breaker  *risk.CircuitBreaker
	inFlight *InFlightDeduper
	sinks    []BetSink
}

func NewExecutor(orders OrderPlacer, breaker *risk.CircuitBreaker, opts Options) *Executor {
	return &Executor{
		orders:   orders,
		breaker:  breaker,
		inFlight: NewInFlightDeduper(opts.InFlightTTL, 16),
	}
}

// AddSink 须在开始执行前调用
func (e *Executor) AddSink(s BetSink) {
	e.sinks = append(e.sinks, s)
}

// Execute 执行方案。
//
// PolicyStopOnFailure：第一笔失败即停止；PolicyBestEffort：每一笔都尝试。
// 未全部成功时 report.Err 为 *domain.ExecutionError。
func (e *Executor) Execute(ctx context.Context, marketID string, plan domain.WagerPlan, policy domain.ExecutionPolicy) domain.ExecutionReport {
	orders := plan.Orders(marketID)
	report := domain.ExecutionReport{MarketID: marketID, Planned: len(orders)}
	logger := log.WithFields(logrus.Fields{
		"market":   marketID,
		"strategy": plan.Strategy,
		"policy":   policy,
	})

	fail := func(cause error) domain.ExecutionReport {
		report.Err = &domain.ExecutionError{Placed: report.Placed, Planned: report.Planned, Cause: cause}
		return report
	}
	if len(orders) == 0 {
		return fail(errors.New("empty plan"))
	}
	if err := e.inFlight.TryAcquire(marketID); err != nil {
		logger.Warn("该市场已有方案在执行，跳过")
		return fail(err)
	}
	defer e.inFlight.Release(marketID)

	if err := e.breaker.AllowLiability(toCents(plan.TotalLiability)); err != nil {
		metrics.BreakerRejections.Add(1)
		logger.WithError(err).Warn("风控拒绝下单")
		return fail(err)
	}

	var firstErr error
	for i, o := range orders {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		res, err := e.orders.PlaceOrder(ctx, o)
		report.Results = append(report.Results, res)
		for _, s := range e.sinks {
			s.OnBet(ctx, plan.Strategy, res)
		}

		if err == nil && res.OK() {
			report.Placed++
			liability := plan.Selections[i].Liability
			e.breaker.OnSuccess()
			e.breaker.AddLiabilityCents(toCents(liability))
			metrics.BetsPlaced.Add(1)
			metrics.PlacedLiabilityCents.Add(toCents(liability))
			logger.WithFields(logrus.Fields{
				"selection": o.SelectionID,
				"betId":     res.BetID,
				"size":      o.Size,
				"price":     o.Price,
			}).Info("下单成功")
			continue
		}

		e.breaker.OnError()
		metrics.BetsRejected.Add(1)
		if err == nil {
			err = errors.Errorf("order for selection %d rejected: %s", o.SelectionID, res.ErrorCode)
		}
		logger.WithError(err).WithField("selection", o.SelectionID).Warn("下单失败")
		if firstErr == nil {
			firstErr = err
		}
		if policy == domain.PolicyStopOnFailure {
			break
		}
	}

	if report.Placed < report.Planned {
		if report.Partial() {
			logger.Warnf("部分执行 %d/%d，已下的单不会撤销", report.Placed, report.Planned)
		}
		return fail(firstErr)
	}
	return report
}

func toCents(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(2).Round(0).IntPart()
}
