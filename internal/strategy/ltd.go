package strategy

import (
	"fmt"
	"math"

	"github.com/betbot/dutchbet/internal/domain"
)

// ModifiedLTD 两队赔率差距足够大时，在 back 赔率最高的选项上下固定注额
type ModifiedLTD struct {
	p LTDParams
}

func NewModifiedLTD(p LTDParams) *ModifiedLTD {
	return &ModifiedLTD{p: p}
}

func (s *ModifiedLTD) Name() string { return NameModifiedLTD }

func (s *ModifiedLTD) Preconditions(m domain.Match) string {
	if m.TimeToStartMinutes > s.p.ScanWindowMinutes {
		return fmt.Sprintf("match starts too late: %.0f minutes", m.TimeToStartMinutes)
	}
	if m.MatchedAmount < s.p.MinMatched {
		return fmt.Sprintf("insufficient market liquidity: matched %.2f < %.2f", m.MatchedAmount, s.p.MinMatched)
	}
	lo := math.Min(m.Team1Odds, m.Team2Odds)
	if lo <= 0 {
		return "missing team odds"
	}
	ratio := math.Max(m.Team1Odds, m.Team2Odds) / lo
	if ratio < s.p.MinRatio {
		return fmt.Sprintf("odds ratio %.2f below %.2f", ratio, s.p.MinRatio)
	}
	return ""
}

func (s *ModifiedLTD) Plan(env Env) (*Candidate, string) {
	if reason := s.Preconditions(env.Match); reason != "" {
		return nil, reason
	}
	var best *domain.Runner
	for i, r := range env.Snapshot.Runners {
		if !r.HasBothPrices() {
			continue
		}
		if best == nil || r.BackOdds > best.BackOdds {
			best = &env.Snapshot.Runners[i]
		}
	}
	if best == nil {
		return nil, "no priced outcome"
	}
	stake := roundDown(max(s.p.Stake, s.p.MinStake))
	if stake > env.Funds {
		return nil, fmt.Sprintf("stake %.2f exceeds available funds %.2f", stake, env.Funds)
	}
	plan := domain.WagerPlan{
		Strategy: NameModifiedLTD,
		Side:     domain.SideBack,
		Selections: []domain.PlannedBet{{
			SelectionID: best.SelectionID,
			Odds:        best.BackOdds,
			Stake:       stake,
			Liability:   stake,
			Probability: impliedProbability(best.BackOdds),
		}},
		TotalLiability:  stake,
		PotentialProfit: round2(stake * (best.BackOdds - 1)),
	}
	plan.ROI = plan.PotentialProfit / stake
	return &Candidate{Plan: plan, Policy: domain.PolicyStopOnFailure}, ""
}
