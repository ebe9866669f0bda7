package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
)

// LaySelection 通过市场校验的 lay 选项
type LaySelection struct {
	SelectionID int64
	Odds        float64
	// Liquidity 价格敏感区间内可成交的 lay 金额
	Liquidity float64
}

// Refetcher 下单前重新拉取 REST 盘口
type Refetcher interface {
	Fetch(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
}

type LayDutch struct {
	p    LayDutchParams
	data Refetcher
}

func NewLayDutch(p LayDutchParams, data Refetcher) *LayDutch {
	return &LayDutch{p: p, data: data}
}

func (s *LayDutch) Name() string { return NameLayDutch }

// AvailableBudget 本次可用资金：min(总额×上限比例, 总额−保留部分)
func AvailableBudget(total float64, p LayDutchParams) float64 {
	return math.Min(total*p.MaxFundsPct, total-total*p.ReservedPct)
}

func (s *LayDutch) Plan(env Env) (*Candidate, string) {
	budget := AvailableBudget(env.Funds, s.p)
	if budget < s.p.MinStake {
		return nil, fmt.Sprintf("insufficient funds: budget %.2f below minimum stake", budget)
	}
	selections, reason := s.ValidateMarket(env.Match, env.Snapshot)
	if reason != "" {
		return nil, reason
	}
	plan, reason := OptimizeLayStakes(selections, budget, s.p)
	if reason != "" {
		return nil, reason
	}
	return &Candidate{Plan: *plan, Policy: domain.PolicyStopOnFailure}, ""
}

// Preconditions 成交量与开赛时间
func (s *LayDutch) Preconditions(m domain.Match) string {
	if m.MatchedAmount < s.p.MinMatched {
		return fmt.Sprintf("insufficient market liquidity: matched %.2f < %.2f", m.MatchedAmount, s.p.MinMatched)
	}
	if m.TimeToStartMinutes > s.p.ScanWindowMinutes {
		return fmt.Sprintf("event starts too far in future: %.0f minutes", m.TimeToStartMinutes)
	}
	return ""
}

// ValidateMarket 筛出赔率、流动性、概率分布都合格的选项
func (s *LayDutch) ValidateMarket(m domain.Match, snap domain.MarketSnapshot) ([]LaySelection, string) {
	if reason := s.Preconditions(m); reason != "" {
		return nil, reason
	}
	p := s.p
	minLiquidity := p.MinStake * p.LiquidityFactor

	var valid []LaySelection
	for _, r := range snap.Runners {
		if r.LayOdds < p.MinOdds || r.LayOdds > p.MaxOdds {
			continue
		}
		liq := s.liquidity(r.LayLadder, r.LayOdds)
		if liq < minLiquidity {
			continue
		}
		valid = append(valid, LaySelection{SelectionID: r.SelectionID, Odds: r.LayOdds, Liquidity: liq})
	}
	if len(valid) == 0 {
		return nil, "no valid selections"
	}

	if len(valid) >= 2 {
		lo, hi := valid[0].Odds, valid[0].Odds
		for _, v := range valid[1:] {
			lo = math.Min(lo, v.Odds)
			hi = math.Max(hi, v.Odds)
		}
		if spread := hi / lo; spread < p.OddsSpread {
			return nil, fmt.Sprintf("odds range %.2f below minimum %.2f", spread, p.OddsSpread)
		}
	} else if valid[0].Odds < p.MinOdds*p.SingleMultiple {
		return nil, "single selection odds too low"
	}

	var total float64
	for _, v := range valid {
		total += impliedProbability(v.Odds)
	}
	if total < p.MinTotalProb {
		return nil, fmt.Sprintf("total probability %.2f too low", total)
	}
	if total > p.MaxTotalProb {
		return nil, fmt.Sprintf("total probability %.2f too high", total)
	}

	n := float64(len(valid))
	required := minLiquidity * n
	var totalLiq, weightedLiq float64
	for _, v := range valid {
		prob := impliedProbability(v.Odds)
		if prob < p.MinSelectionProb {
			return nil, fmt.Sprintf("selection %d probability %.2f too low", v.SelectionID, prob)
		}
		totalLiq += v.Liquidity
		weightedLiq += v.Liquidity * prob / total
	}
	if totalLiq < required {
		return nil, fmt.Sprintf("insufficient liquidity: %.2f", totalLiq)
	}
	if weightedLiq/n < required/n {
		return nil, "imbalanced liquidity distribution"
	}
	return valid, ""
}

// liquidity lay 阶梯中价格不超过 odds×(1+敏感度) 的总量
func (s *LayDutch) liquidity(ladder []domain.PriceSize, odds float64) float64 {
	limit := odds * (1 + s.p.PriceSensitivity)
	var total float64
	for _, lvl := range ladder {
		if lvl.Price <= limit {
			total += lvl.Size
		}
	}
	return total
}

// OptimizeLayStakes 计算各选项 lay 注额。
//
// 隐含概率按 (1+佣金) 放大；放大后总概率 >= 1 说明没有套利空间。
// 每个选项的注额与其调整后概率成正比，并受可成交量（再留 10% 余量）限制。
func OptimizeLayStakes(selections []LaySelection, budget float64, p LayDutchParams) (*domain.WagerPlan, string) {
	if len(selections) == 0 {
		return nil, "no valid selections"
	}
	adj := make([]float64, len(selections))
	var total float64
	for i, sel := range selections {
		adj[i] = impliedProbability(sel.Odds) * (1 + p.Commission)
		total += adj[i]
	}
	if total >= 1 {
		return nil, fmt.Sprintf("no arbitrage opportunity: total probability %.4f >= 1", total)
	}

	margin := 1 - total
	adjustedTarget := budget * p.TargetROI * margin
	profitFactor := adjustedTarget / margin

	plan := &domain.WagerPlan{Strategy: NameLayDutch, Side: domain.SideLay}
	for i, sel := range selections {
		stake := profitFactor * adj[i]
		maxStake := sel.Liquidity / (p.LiquidityFactor * p.LiquiditySafety)
		stake = roundDown(math.Min(stake, maxStake))
		if stake < p.MinStake {
			return nil, fmt.Sprintf("stake %.2f for selection %d below minimum %.2f", stake, sel.SelectionID, p.MinStake)
		}
		liability := stake * (sel.Odds - 1)
		plan.Selections = append(plan.Selections, domain.PlannedBet{
			SelectionID: sel.SelectionID,
			Odds:        sel.Odds,
			Stake:       stake,
			Liability:   round2(liability),
			Probability: adj[i],
		})
		plan.TotalLiability += liability
	}
	if plan.TotalLiability > budget {
		return nil, fmt.Sprintf("total liability %.2f exceeds available funds %.2f", plan.TotalLiability, budget)
	}

	plan.PotentialProfit = adjustedTarget * (1 - p.Commission)
	if plan.TotalLiability > 0 {
		plan.ROI = plan.PotentialProfit / plan.TotalLiability
	}
	if plan.ROI < p.MinROI {
		return nil, fmt.Sprintf("roi %.4f below minimum %.4f", plan.ROI, p.MinROI)
	}
	return plan, ""
}

// Revalidate 重新拉取盘口，选项消失或 lay 价格偏离超过容忍度则放弃
func (s *LayDutch) Revalidate(ctx context.Context, marketID string, plan domain.WagerPlan) (string, error) {
	snap, err := s.data.Fetch(ctx, marketID)
	if err != nil {
		return "", err
	}
	for _, sel := range plan.Selections {
		r, ok := snap.Runner(sel.SelectionID)
		if !ok || r.LayOdds <= 0 {
			return fmt.Sprintf("selection %d no longer available", sel.SelectionID), nil
		}
		movement := math.Abs(r.LayOdds-sel.Odds) / sel.Odds
		if movement > s.p.PriceTolerance {
			log.WithFields(logrus.Fields{
				"market":    marketID,
				"selection": sel.SelectionID,
				"quoted":    sel.Odds,
				"current":   r.LayOdds,
			}).Warnf("价格变动 %.2f%% 超过允许的 %.2f%%", movement*100, s.p.PriceTolerance*100)
			return fmt.Sprintf("significant price movement on selection %d: %.2f -> %.2f", sel.SelectionID, sel.Odds, r.LayOdds), nil
		}
	}
	return "", nil
}
