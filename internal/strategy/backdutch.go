package strategy

import (
	"fmt"
	"strings"

	"github.com/betbot/dutchbet/internal/domain"
)

// BackOutcome back 分注的一个选项
type BackOutcome struct {
	SelectionID int64
	Odds        float64
}

type BackDutch struct {
	p BackDutchParams
}

func NewBackDutch(p BackDutchParams) *BackDutch {
	return &BackDutch{p: p}
}

func (s *BackDutch) Name() string { return NameBackDutch }

// Preconditions 成交量、开赛时间窗口、排除的运动项目
func (s *BackDutch) Preconditions(m domain.Match) string {
	if m.MatchedAmount < s.p.MinMatched {
		return fmt.Sprintf("insufficient market liquidity: matched %.2f < %.2f", m.MatchedAmount, s.p.MinMatched)
	}
	if m.TimeToStartMinutes > s.p.MaxStartMinutes {
		return fmt.Sprintf("match starts too late: %.0f minutes", m.TimeToStartMinutes)
	}
	for _, sport := range s.p.ExcludedSports {
		if strings.EqualFold(sport, m.Sport) {
			return "excluded sport: " + m.Sport
		}
	}
	return ""
}

func (s *BackDutch) Plan(env Env) (*Candidate, string) {
	if reason := s.Preconditions(env.Match); reason != "" {
		return nil, reason
	}
	var outcomes []BackOutcome
	for _, r := range env.Snapshot.Runners {
		if r.BackOdds > s.p.MinOdds {
			outcomes = append(outcomes, BackOutcome{SelectionID: r.SelectionID, Odds: r.BackOdds})
		}
	}
	if len(outcomes) < 2 {
		return nil, "not enough valid outcomes"
	}
	plan, reason := DistributeBackStakes(outcomes, s.p)
	if reason != "" {
		return nil, reason
	}
	// MinROI 为 0 时不限制
	if s.p.MinROI > 0 && plan.ROI < s.p.MinROI {
		return nil, fmt.Sprintf("roi %.4f below minimum %.4f", plan.ROI, s.p.MinROI)
	}
	if plan.TotalLiability > env.Funds {
		return nil, fmt.Sprintf("total stake %.2f exceeds available funds %.2f", plan.TotalLiability, env.Funds)
	}
	return &Candidate{Plan: *plan, Policy: domain.PolicyBestEffort}, ""
}

// DistributeBackStakes 按隐含概率占比分配基础注额，每注不低于最小注额。
// 结果只依赖输入，相同输入得到相同注额。
func DistributeBackStakes(outcomes []BackOutcome, p BackDutchParams) (*domain.WagerPlan, string) {
	var total float64
	for _, o := range outcomes {
		total += impliedProbability(o.Odds)
	}
	if total <= 0 {
		return nil, "no priced outcomes"
	}
	if total >= 1 {
		return nil, fmt.Sprintf("no arbitrage opportunity: implied probability %.4f >= 1", total)
	}
	roi := 1/total - 1

	plan := &domain.WagerPlan{Strategy: NameBackDutch, Side: domain.SideBack, ROI: roi}
	var payout float64
	for _, o := range outcomes {
		prob := impliedProbability(o.Odds)
		stake := roundDown(max(p.MinStake, p.BaseStake*prob/total))
		plan.Selections = append(plan.Selections, domain.PlannedBet{
			SelectionID: o.SelectionID,
			Odds:        o.Odds,
			Stake:       stake,
			Liability:   stake,
			Probability: prob,
		})
		plan.TotalLiability += stake
		payout += stake * o.Odds
	}
	// 任一结果胜出时的平均回报减去总投入
	plan.PotentialProfit = round2(payout/float64(len(outcomes)) - plan.TotalLiability)
	return plan, ""
}
