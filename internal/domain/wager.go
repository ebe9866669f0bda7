package domain

import "time"

// Side 下注方向
type Side string

const (
	SideBack Side = "BACK"
	SideLay  Side = "LAY"
)

// PlannedBet 计划中的单个选项注额
type PlannedBet struct {
	SelectionID int64   `json:"selectionId"`
	Odds        float64 `json:"odds"`
	Stake       float64 `json:"stake"`
	Liability   float64 `json:"liability"`
	Probability float64 `json:"probability"`
}

// WagerPlan 策略给出的完整下注方案
type WagerPlan struct {
	Strategy        string       `json:"strategy"`
	Side            Side         `json:"side"`
	Selections      []PlannedBet `json:"selections"`
	TotalLiability  float64      `json:"totalLiability"`
	PotentialProfit float64      `json:"potentialProfit"`
	ROI             float64      `json:"roi"`
}

// Orders 把方案展开为待提交的订单（customerRef 由下单方生成）
func (p WagerPlan) Orders(marketID string) []BetOrder {
	out := make([]BetOrder, 0, len(p.Selections))
	for _, s := range p.Selections {
		out = append(out, BetOrder{
			MarketID:    marketID,
			SelectionID: s.SelectionID,
			Side:        p.Side,
			Size:        s.Stake,
			Price:       s.Odds,
		})
	}
	return out
}

// BetOrder 一笔限价单
type BetOrder struct {
	MarketID    string  `json:"marketId"`
	SelectionID int64   `json:"selectionId"`
	Side        Side    `json:"side"`
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
	CustomerRef string  `json:"customerRef,omitempty"`
}

// BetStatus 单笔下单结果
type BetStatus string

const (
	BetStatusSuccess BetStatus = "SUCCESS"
	BetStatusFailure BetStatus = "FAILURE"
)

// BetResult 交易所对单笔订单的回报
type BetResult struct {
	Order               BetOrder  `json:"order"`
	Status              BetStatus `json:"status"`
	BetID               string    `json:"betId,omitempty"`
	SizeMatched         float64   `json:"sizeMatched"`
	AveragePriceMatched float64   `json:"averagePriceMatched"`
	ErrorCode           string    `json:"errorCode,omitempty"`
	PlacedAt            time.Time `json:"placedAt"`
}

// OK 是否下单成功
func (r BetResult) OK() bool {
	return r.Status == BetStatusSuccess
}

// ExecutionReport 一个方案的执行结果（可能部分成功）
type ExecutionReport struct {
	MarketID string      `json:"marketId"`
	Planned  int         `json:"planned"`
	Placed   int         `json:"placed"`
	Results  []BetResult `json:"results"`
	Err      error       `json:"-"`
}

// Complete 全部下单成功
func (r ExecutionReport) Complete() bool {
	return r.Planned > 0 && r.Placed == r.Planned
}

// Partial 部分成功（至少一笔成功，但未全部成功）
func (r ExecutionReport) Partial() bool {
	return r.Placed > 0 && r.Placed < r.Planned
}

// PlacedLiability 已成功下单部分的总风险敞口
func (r ExecutionReport) PlacedLiability() float64 {
	var total float64
	for _, res := range r.Results {
		if !res.OK() {
			continue
		}
		if res.Order.Side == SideLay {
			total += res.Order.Size * (res.Order.Price - 1)
		} else {
			total += res.Order.Size
		}
	}
	return total
}

// OutcomeStatus 策略评估结果状态
type OutcomeStatus string

const (
	OutcomeExecuted      OutcomeStatus = "executed"
	OutcomeNotApplicable OutcomeStatus = "not_applicable"
	OutcomeFailed        OutcomeStatus = "failed"
)

// Outcome 一次策略评估（及可能的执行）的显式结果
type Outcome struct {
	ID        string           `json:"id"`
	MarketID  string           `json:"marketId"`
	Status    OutcomeStatus    `json:"status"`
	Strategy  string           `json:"strategy,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Plan      *WagerPlan       `json:"plan,omitempty"`
	Report    *ExecutionReport `json:"report,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Metrics   *ExecutionStats  `json:"metrics,omitempty"`
	At        time.Time        `json:"at"`
}

// ExecutionStats 执行成功后的收益统计
type ExecutionStats struct {
	ExecutedLiability float64 `json:"executedLiability"`
	Commission        float64 `json:"commission"`
	NetROI            float64 `json:"netRoi"`
}

// NotApplicable 构造“条件不满足”结果
func NotApplicable(strategy, reason string) Outcome {
	return Outcome{Status: OutcomeNotApplicable, Strategy: strategy, Reason: reason}
}

// Failed 构造失败结果
func Failed(strategy, reason string, retryable bool) Outcome {
	return Outcome{Status: OutcomeFailed, Strategy: strategy, Reason: reason, Retryable: retryable}
}

// ExecutionPolicy 多笔订单的执行方式
type ExecutionPolicy string

const (
	// PolicyStopOnFailure 任一笔失败立即停止，已下的单不回滚
	PolicyStopOnFailure ExecutionPolicy = "stop_on_failure"
	// PolicyBestEffort 每一笔都尝试
	PolicyBestEffort ExecutionPolicy = "best_effort"
)
