package strategy

import "github.com/shopspring/decimal"

// LayDutchParams lay 全场分注参数
type LayDutchParams struct {
	ScanWindowMinutes float64 `yaml:"scan_window_minutes" json:"scan_window_minutes"`
	MinMatched        float64 `yaml:"min_matched" json:"min_matched"`
	MinOdds           float64 `yaml:"min_odds" json:"min_odds"`
	MaxOdds           float64 `yaml:"max_odds" json:"max_odds"`
	// OddsSpread 多个选项时最大/最小赔率之比的下限
	OddsSpread float64 `yaml:"odds_spread" json:"odds_spread"`
	// SingleMultiple 只有一个选项时赔率需 >= MinOdds * SingleMultiple
	SingleMultiple   float64 `yaml:"single_multiple" json:"single_multiple"`
	MinStake         float64 `yaml:"min_stake" json:"min_stake"`
	LiquidityFactor  float64 `yaml:"liquidity_factor" json:"liquidity_factor"`
	LiquiditySafety  float64 `yaml:"liquidity_safety" json:"liquidity_safety"`
	PriceSensitivity float64 `yaml:"price_sensitivity" json:"price_sensitivity"`
	MaxFundsPct      float64 `yaml:"max_funds_pct" json:"max_funds_pct"`
	ReservedPct      float64 `yaml:"reserved_pct" json:"reserved_pct"`
	MinROI           float64 `yaml:"min_roi" json:"min_roi"`
	TargetROI        float64 `yaml:"target_roi" json:"target_roi"`
	Commission       float64 `yaml:"commission" json:"commission"`
	MinTotalProb     float64 `yaml:"min_total_prob" json:"min_total_prob"`
	MaxTotalProb     float64 `yaml:"max_total_prob" json:"max_total_prob"`
	MinSelectionProb float64 `yaml:"min_selection_prob" json:"min_selection_prob"`
	// PriceTolerance 下单前复核时允许的 lay 价格变动比例
	PriceTolerance float64 `yaml:"price_tolerance" json:"price_tolerance"`
}

// BackDutchParams back 全场分注参数
type BackDutchParams struct {
	MaxStartMinutes float64  `yaml:"max_start_minutes" json:"max_start_minutes"`
	MinMatched      float64  `yaml:"min_matched" json:"min_matched"`
	ExcludedSports  []string `yaml:"excluded_sports" json:"excluded_sports"`
	BaseStake       float64  `yaml:"base_stake" json:"base_stake"`
	MinStake        float64  `yaml:"min_stake" json:"min_stake"`
	MinOdds         float64  `yaml:"min_odds" json:"min_odds"`
	// MinROI 可选的收益下限，0 表示只要求总隐含概率 < 1
	MinROI float64 `yaml:"min_roi" json:"min_roi"`
}

// LTDParams 改良版 lay-the-draw 参数
type LTDParams struct {
	ScanWindowMinutes float64 `yaml:"scan_window_minutes" json:"scan_window_minutes"`
	MinMatched        float64 `yaml:"min_matched" json:"min_matched"`
	MinRatio          float64 `yaml:"min_ratio" json:"min_ratio"`
	Stake             float64 `yaml:"stake" json:"stake"`
	MinStake          float64 `yaml:"min_stake" json:"min_stake"`
}

type Params struct {
	LayDutch  LayDutchParams  `yaml:"lay_dutch" json:"lay_dutch"`
	BackDutch BackDutchParams `yaml:"back_dutch" json:"back_dutch"`
	LTD       LTDParams       `yaml:"ltd" json:"ltd"`
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		LayDutch: LayDutchParams{
			ScanWindowMinutes: 180,
			MinMatched:        500,
			MinOdds:           1.5,
			MaxOdds:           10.0,
			OddsSpread:        2.0,
			SingleMultiple:    1.1,
			MinStake:          2.0,
			LiquidityFactor:   1.5,
			LiquiditySafety:   1.1,
			PriceSensitivity:  0.02,
			MaxFundsPct:       0.20,
			ReservedPct:       0.30,
			MinROI:            0.035,
			TargetROI:         0.05,
			Commission:        0.05,
			MinTotalProb:      0.8,
			MaxTotalProb:      1.2,
			MinSelectionProb:  0.1,
			PriceTolerance:    0.05,
		},
		BackDutch: BackDutchParams{
			MaxStartMinutes: 1440,
			MinMatched:      500,
			ExcludedSports:  []string{"Cycling", "Darts", "Esports", "Politics"},
			BaseStake:       100,
			MinStake:        2.0,
			MinOdds:         1.01,
		},
		LTD: LTDParams{
			ScanWindowMinutes: 180,
			MinMatched:        500,
			MinRatio:          1.75,
			Stake:             10,
			MinStake:          2.0,
		},
	}
}

// roundDown 注额向下取整到分
func roundDown(v float64) float64 {
	return decimal.NewFromFloat(v).RoundDown(2).InexactFloat64()
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func impliedProbability(odds float64) float64 {
	if odds <= 0 {
		return 0
	}
	return 1 / odds
}
