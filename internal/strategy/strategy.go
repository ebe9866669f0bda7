// Package strategy 策略选择与注额计算。
//
// 三个策略按固定顺序尝试：LayDutch → BackDutch → ModifiedLTD，第一个条件满足且下单成功的即为结果。
// 条件不满足不是错误，而是 not_applicable；只有取数失败和下单失败才是 failed。
package strategy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
)

var log = logrus.WithField("component", "strategy")

const (
	NameLayDutch    = "lay_dutch"
	NameBackDutch   = "back_dutch"
	NameModifiedLTD = "modified_ltd"
)

// Env 一次评估的输入
type Env struct {
	Match    domain.Match
	Snapshot domain.MarketSnapshot
	// Funds 账户可下注余额
	Funds float64
}

// Candidate 策略给出的待执行方案
type Candidate struct {
	Plan   domain.WagerPlan
	Policy domain.ExecutionPolicy
}

// Strategy 条件不满足时返回 nil 和原因
type Strategy interface {
	Name() string
	Plan(env Env) (*Candidate, string)
}

// Revalidator 下单前需要复核行情的策略实现此接口。
// 返回非空原因表示放弃下单；err 仅表示取数失败。
type Revalidator interface {
	Revalidate(ctx context.Context, marketID string, plan domain.WagerPlan) (string, error)
}
