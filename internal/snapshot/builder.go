// Package snapshot 把 REST 行情（listMarketBook）和推送缓存统一转换成 domain.MarketSnapshot。
//
// 转换是纯函数：只保留 ACTIVE 的 runner，取第一档作为最优 back/lay 报价。
// 上游数据缺失或格式不对时返回空快照而不是错误，策略层统一当作“没有可用选项”。
package snapshot

import (
	"time"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/sdk/api"
	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

// Empty 空快照
func Empty(marketID string, now time.Time, src domain.SnapshotSource) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		MarketID:  marketID,
		Runners:   []domain.Runner{},
		Timestamp: now,
		Source:    src,
	}
}

// FromMarketBooks 从 listMarketBook 结果中取出 marketID 对应的市场
func FromMarketBooks(marketID string, books []api.MarketBook, now time.Time) domain.MarketSnapshot {
	for _, b := range books {
		if b.MarketID == marketID {
			return FromMarketBook(b, now)
		}
	}
	return Empty(marketID, now, domain.SourceREST)
}

// FromMarketBook 单个市场
func FromMarketBook(book api.MarketBook, now time.Time) domain.MarketSnapshot {
	snap := Empty(book.MarketID, now, domain.SourceREST)
	snap.TotalMatched = book.TotalMatched
	for _, rb := range book.Runners {
		if rb.Status != api.RunnerStatusActive {
			continue
		}
		r := domain.Runner{SelectionID: rb.SelectionID}
		if rb.Ex != nil {
			r.BackLadder = convertLadder(rb.Ex.AvailableToBack)
			r.LayLadder = convertLadder(rb.Ex.AvailableToLay)
		}
		r.BackOdds = bestPrice(r.BackLadder)
		r.LayOdds = bestPrice(r.LayLadder)
		snap.Runners = append(snap.Runners, r)
	}
	return snap
}

// FromMarketState 从推送缓存的市场视图构建快照
func FromMarketState(v stream.MarketView) domain.MarketSnapshot {
	ts := v.UpdatedAt
	if ts.IsZero() {
		ts = v.PublishTime
	}
	snap := Empty(v.MarketID, ts, domain.SourceStream)
	snap.TotalMatched = v.TotalMatched
	for _, rv := range v.Runners {
		if rv.Status != stream.RunnerStatusActive {
			continue
		}
		r := domain.Runner{
			SelectionID: rv.SelectionID,
			BackLadder:  convertStreamLadder(rv.Back),
			LayLadder:   convertStreamLadder(rv.Lay),
		}
		r.BackOdds = bestPrice(r.BackLadder)
		r.LayOdds = bestPrice(r.LayLadder)
		snap.Runners = append(snap.Runners, r)
	}
	return snap
}

func convertLadder(in []api.PriceSize) []domain.PriceSize {
	out := make([]domain.PriceSize, 0, len(in))
	for _, ps := range in {
		if ps.Price <= 0 || ps.Size < 0 {
			continue
		}
		out = append(out, domain.PriceSize{Price: ps.Price, Size: ps.Size})
	}
	return out
}

func convertStreamLadder(in []stream.PriceSize) []domain.PriceSize {
	out := make([]domain.PriceSize, 0, len(in))
	for _, ps := range in {
		if ps.Price <= 0 || ps.Size < 0 {
			continue
		}
		out = append(out, domain.PriceSize{Price: ps.Price, Size: ps.Size})
	}
	return out
}

func bestPrice(l []domain.PriceSize) float64 {
	if len(l) == 0 {
		return 0
	}
	return l[0].Price
}
