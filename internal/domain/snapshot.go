package domain

import "time"

// PriceSize 价格档位（赔率 + 可成交金额）
type PriceSize struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Runner 市场中的一个可投注选项（只保留 ACTIVE 状态）
type Runner struct {
	SelectionID int64       `json:"selectionId"`
	BackOdds    float64     `json:"backOdds"`   // 最优 back 赔率，0 表示无报价
	LayOdds     float64     `json:"layOdds"`    // 最优 lay 赔率，0 表示无报价
	BackLadder  []PriceSize `json:"backLadder"` // availableToBack，按优先级排序
	LayLadder   []PriceSize `json:"layLadder"`  // availableToLay，按优先级排序（流动性阶梯）
}

// HasBothPrices 是否同时具备 back 与 lay 报价
func (r Runner) HasBothPrices() bool {
	return r.BackOdds > 0 && r.LayOdds > 0
}

// SnapshotSource 快照来源
type SnapshotSource string

const (
	SourceREST   SnapshotSource = "rest"
	SourceStream SnapshotSource = "stream"
)

// MarketSnapshot 某一时刻的市场视图。
// 值类型：更新时整体替换，不做原地修改。
type MarketSnapshot struct {
	MarketID     string         `json:"marketId"`
	Runners      []Runner       `json:"runners"`
	TotalMatched float64        `json:"totalMatched"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       SnapshotSource `json:"source"`
}

// IsEmpty 没有任何可用 runner
func (s MarketSnapshot) IsEmpty() bool {
	return len(s.Runners) == 0
}

// Runner 按 selectionId 查找 runner
func (s MarketSnapshot) Runner(selectionID int64) (Runner, bool) {
	for _, r := range s.Runners {
		if r.SelectionID == selectionID {
			return r, true
		}
	}
	return Runner{}, false
}

// PricedRunners 返回同时具备 back/lay 报价的 runner
func (s MarketSnapshot) PricedRunners() []Runner {
	out := make([]Runner, 0, len(s.Runners))
	for _, r := range s.Runners {
		if r.HasBothPrices() {
			out = append(out, r)
		}
	}
	return out
}

// Match 策略评估的输入：一场比赛（一个市场）的概要
type Match struct {
	MarketID           string  `json:"marketId"`
	MatchedAmount      float64 `json:"matchedAmount"`
	TimeToStartMinutes float64 `json:"timeToStartMinutes"`
	Sport              string  `json:"sport,omitempty"`
	Team1Odds          float64 `json:"team1Odds"`
	Team2Odds          float64 `json:"team2Odds"`
	IsBettable         bool    `json:"isBettable"`
}

// NewMatch 根据快照构建 Match：前两个 runner 的 back 赔率作为双方赔率
func NewMatch(marketID string, matched, timeToStart float64, sport string, snap MarketSnapshot) Match {
	m := Match{
		MarketID:           marketID,
		MatchedAmount:      matched,
		TimeToStartMinutes: timeToStart,
		Sport:              sport,
		IsBettable:         true,
	}
	if len(snap.Runners) > 0 {
		m.Team1Odds = snap.Runners[0].BackOdds
	}
	if len(snap.Runners) > 1 {
		m.Team2Odds = snap.Runners[1].BackOdds
	}
	return m
}
