package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketCacheAppliesDeltas(t *testing.T) {
	mc := NewMarketCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }

	mc.Apply(Update{Markets: []MarketChange{{
		ID:  "1.1",
		Img: true,
		Tv:  1200,
		MarketDefinition: &MarketDefinition{Status: "OPEN", Runners: []RunnerDefinition{
			{ID: 1, Status: "ACTIVE"}, {ID: 2, Status: "ACTIVE"}, {ID: 3, Status: "REMOVED"},
		}},
		Rc: []RunnerChange{
			{ID: 1, Atb: [][]float64{{1.9, 10}, {1.95, 20}}, Atl: [][]float64{{2.0, 5}, {2.1, 7}}},
			{ID: 2, Batb: [][]float64{{1, 3.9, 8}, {0, 4.0, 12}}, Batl: [][]float64{{0, 4.2, 30}}},
		},
	}}})

	v, ok := mc.Market("1.1")
	require.True(t, ok)
	assert.Equal(t, "OPEN", v.Status)
	assert.Equal(t, 1200.0, v.TotalMatched)
	assert.Equal(t, now, v.UpdatedAt)
	require.Len(t, v.Runners, 3)

	r1 := v.Runners[0]
	assert.Equal(t, []PriceSize{{1.95, 20}, {1.9, 10}}, r1.Back, "back 按价格从高到低")
	assert.Equal(t, []PriceSize{{2.0, 5}, {2.1, 7}}, r1.Lay, "lay 按价格从低到高")

	r2 := v.Runners[1]
	assert.Equal(t, []PriceSize{{4.0, 12}, {3.9, 8}}, r2.Back, "按档位排序")
	assert.Equal(t, "REMOVED", v.Runners[2].Status)

	// 增量：删掉一个价位，修改一个档位
	mc.Apply(Update{Markets: []MarketChange{{
		ID: "1.1",
		Rc: []RunnerChange{
			{ID: 1, Atl: [][]float64{{2.0, 0}}},
			{ID: 2, Batl: [][]float64{{0, 4.3, 11}}},
		},
	}}})
	v, _ = mc.Market("1.1")
	assert.Equal(t, []PriceSize{{2.1, 7}}, v.Runners[0].Lay)
	assert.Equal(t, []PriceSize{{4.3, 11}}, v.Runners[1].Lay)
	assert.Equal(t, "OPEN", v.Status, "增量不含定义时保留原状态")
}

func TestMarketCacheImageReplacesState(t *testing.T) {
	mc := NewMarketCache()
	mc.Apply(Update{Markets: []MarketChange{{ID: "1.1", Img: true, Rc: []RunnerChange{{ID: 1, Atb: [][]float64{{2, 1}}}}}}})
	mc.Apply(Update{Markets: []MarketChange{{ID: "1.1", Img: true, Rc: []RunnerChange{{ID: 9, Atb: [][]float64{{3, 1}}}}}}})

	v, _ := mc.Market("1.1")
	require.Len(t, v.Runners, 1)
	assert.Equal(t, int64(9), v.Runners[0].SelectionID)
	assert.Equal(t, RunnerStatusActive, v.Runners[0].Status, "没有定义时默认 ACTIVE")
}

func TestMarketCacheOrdersRunnersBySortPriority(t *testing.T) {
	mc := NewMarketCache()
	mc.Apply(Update{Markets: []MarketChange{{
		ID:  "1.3",
		Img: true,
		MarketDefinition: &MarketDefinition{Runners: []RunnerDefinition{
			{ID: 100, SortPriority: 3}, {ID: 200, SortPriority: 2}, {ID: 300, SortPriority: 1},
		}},
		Rc: []RunnerChange{{ID: 100}, {ID: 200}, {ID: 300}, {ID: 50}},
	}}})

	ids := func() []int64 {
		v, _ := mc.Market("1.3")
		out := make([]int64, 0, len(v.Runners))
		for _, r := range v.Runners {
			out = append(out, r.SelectionID)
		}
		return out
	}
	assert.Equal(t, []int64{300, 200, 100, 50}, ids(), "没有 sortPriority 的排在最后")

	// 不带定义的全量镜像保留原排序
	mc.Apply(Update{Markets: []MarketChange{{ID: "1.3", Img: true, Rc: []RunnerChange{{ID: 100}, {ID: 300}}}}})
	assert.Equal(t, []int64{300, 100}, ids())
}

func TestMarketCacheTotalMatchedFallsBackToRunners(t *testing.T) {
	mc := NewMarketCache()
	changed := mc.Apply(Update{Markets: []MarketChange{{ID: "1.2", Rc: []RunnerChange{{ID: 1, Tv: 100}, {ID: 2, Tv: 250}}}}})
	assert.Equal(t, []string{"1.2"}, changed)
	v, _ := mc.Market("1.2")
	assert.Equal(t, 350.0, v.TotalMatched)

	assert.Equal(t, []string{"1.2"}, mc.MarketIDs())
	mc.Remove("1.2")
	_, ok := mc.Market("1.2")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Len())
}
