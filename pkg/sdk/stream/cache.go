package stream

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// RunnerStatusActive 未收到 marketDefinition 时 runner 默认视为 ACTIVE
const RunnerStatusActive = "ACTIVE"

type PriceSize struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RunnerView 单个 selection 的当前盘口，Back 按价格从高到低，Lay 从低到高
type RunnerView struct {
	SelectionID  int64       `json:"selectionId"`
	SortPriority int         `json:"sortPriority,omitempty"`
	Status       string      `json:"status"`
	LastTraded   float64     `json:"lastTraded,omitempty"`
	TotalMatched float64     `json:"totalMatched,omitempty"`
	Back         []PriceSize `json:"back"`
	Lay          []PriceSize `json:"lay"`
}

// MarketView 某个市场的不可变拷贝
type MarketView struct {
	MarketID     string       `json:"marketId"`
	Status       string       `json:"status,omitempty"`
	InPlay       bool         `json:"inPlay"`
	TotalMatched float64      `json:"totalMatched"`
	PublishTime  time.Time    `json:"publishTime"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	// Runners 按 sortPriority 排列，与 REST listMarketBook 一致
	Runners []RunnerView `json:"runners"`
}

type runnerState struct {
	status string
	ltp    float64
	tv     float64
	atb    map[float64]float64
	atl    map[float64]float64
	batb   map[int]PriceSize
	batl   map[int]PriceSize
	trd    map[float64]float64
}

func newRunnerState() *runnerState {
	return &runnerState{
		atb:  make(map[float64]float64),
		atl:  make(map[float64]float64),
		batb: make(map[int]PriceSize),
		batl: make(map[int]PriceSize),
		trd:  make(map[float64]float64),
	}
}

type marketState struct {
	status      string
	inPlay      bool
	tv          float64
	publishTime time.Time
	updatedAt   time.Time
	runners     map[int64]*runnerState
	// selection ID -> sortPriority，来自 marketDefinition
	priority map[int64]int
}

// MarketCache 把 mcm 增量合并成完整盘口
type MarketCache struct {
	mu      sync.RWMutex
	markets map[string]*marketState
	now     func() time.Time
}

func NewMarketCache() *MarketCache {
	return &MarketCache{
		markets: make(map[string]*marketState),
		now:     time.Now,
	}
}

// Apply 合并一条更新，返回被改动的市场
func (mc *MarketCache) Apply(u Update) []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	changed := make([]string, 0, len(u.Markets))
	for _, m := range u.Markets {
		st, ok := mc.markets[m.ID]
		if !ok || m.Img {
			fresh := &marketState{runners: make(map[int64]*runnerState), priority: make(map[int64]int)}
			if ok {
				// 全量镜像不一定带 marketDefinition，沿用之前的排序
				maps.Copy(fresh.priority, st.priority)
			}
			st = fresh
			mc.markets[m.ID] = st
		}
		st.publishTime = u.PublishTime
		st.updatedAt = now
		if m.Tv > 0 {
			st.tv = m.Tv
		}
		if def := m.MarketDefinition; def != nil {
			st.status = def.Status
			st.inPlay = def.InPlay
			for _, rd := range def.Runners {
				r := st.runner(rd.ID)
				r.status = rd.Status
				if rd.SortPriority > 0 {
					st.priority[rd.ID] = rd.SortPriority
				}
			}
		}
		for _, rc := range m.Rc {
			st.runner(rc.ID).apply(rc)
		}
		changed = append(changed, m.ID)
	}
	return changed
}

func (st *marketState) runner(id int64) *runnerState {
	r, ok := st.runners[id]
	if !ok {
		r = newRunnerState()
		st.runners[id] = r
	}
	return r
}

func (r *runnerState) apply(rc RunnerChange) {
	if rc.Ltp > 0 {
		r.ltp = rc.Ltp
	}
	if rc.Tv > 0 {
		r.tv = rc.Tv
	}
	applyPriceLadder(r.atb, rc.Atb)
	applyPriceLadder(r.atl, rc.Atl)
	applyPriceLadder(r.trd, rc.Trd)
	applyLevelLadder(r.batb, rc.Batb)
	applyLevelLadder(r.batl, rc.Batl)
}

// [price, size]，size 为 0 删除该价位
func applyPriceLadder(dst map[float64]float64, delta [][]float64) {
	for _, p := range delta {
		if len(p) < 2 {
			continue
		}
		if p[1] == 0 {
			delete(dst, p[0])
			continue
		}
		dst[p[0]] = p[1]
	}
}

// [level, price, size]
func applyLevelLadder(dst map[int]PriceSize, delta [][]float64) {
	for _, p := range delta {
		if len(p) < 3 {
			continue
		}
		level := int(p[0])
		if p[2] == 0 {
			delete(dst, level)
			continue
		}
		dst[level] = PriceSize{Price: p[1], Size: p[2]}
	}
}

// Market 返回市场当前状态的拷贝
func (mc *MarketCache) Market(id string) (MarketView, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	st, ok := mc.markets[id]
	if !ok {
		return MarketView{}, false
	}
	return st.view(id), true
}

func (mc *MarketCache) MarketIDs() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]string, 0, len(mc.markets))
	for id := range mc.markets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (mc *MarketCache) Remove(id string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.markets, id)
}

func (mc *MarketCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.markets)
}

func (st *marketState) view(id string) MarketView {
	v := MarketView{
		MarketID:     id,
		Status:       st.status,
		InPlay:       st.inPlay,
		TotalMatched: st.tv,
		PublishTime:  st.publishTime,
		UpdatedAt:    st.updatedAt,
		Runners:      make([]RunnerView, 0, len(st.runners)),
	}
	var runnerTotal float64
	for sid, r := range st.runners {
		status := r.status
		if status == "" {
			status = RunnerStatusActive
		}
		v.Runners = append(v.Runners, RunnerView{
			SelectionID:  sid,
			SortPriority: st.priority[sid],
			Status:       status,
			LastTraded:   r.ltp,
			TotalMatched: r.tv,
			Back:         ladder(r.batb, r.atb, true),
			Lay:          ladder(r.batl, r.atl, false),
		})
		runnerTotal += r.tv
	}
	// 市场级 tv 缺失时用 runner 成交量之和
	if v.TotalMatched == 0 {
		v.TotalMatched = runnerTotal
	}
	sort.Slice(v.Runners, func(i, j int) bool { return runnerLess(v.Runners[i], v.Runners[j]) })
	return v
}

// runnerLess 已知 sortPriority 的排前面，未知的按 selection ID
func runnerLess(a, b RunnerView) bool {
	switch {
	case a.SortPriority > 0 && b.SortPriority > 0 && a.SortPriority != b.SortPriority:
		return a.SortPriority < b.SortPriority
	case a.SortPriority > 0 && b.SortPriority == 0:
		return true
	case a.SortPriority == 0 && b.SortPriority > 0:
		return false
	}
	return a.SelectionID < b.SelectionID
}

// ladder 优先用按档位的最优报价，没有时用全深度价格表
func ladder(levels map[int]PriceSize, byPrice map[float64]float64, back bool) []PriceSize {
	out := make([]PriceSize, 0, max(len(levels), len(byPrice)))
	if len(levels) > 0 {
		keys := make([]int, 0, len(levels))
		for k := range levels {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = append(out, levels[k])
		}
		return out
	}
	for p, s := range byPrice {
		out = append(out, PriceSize{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if back {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
