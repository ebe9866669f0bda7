package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/snapshot"
	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

type chanSource chan stream.Update

func (c chanSource) Updates() <-chan stream.Update { return c }

type collector struct {
	mu    sync.Mutex
	snaps []domain.MarketSnapshot
}

func (c *collector) OnSnapshot(s domain.MarketSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func image(marketID, status string) stream.Update {
	return stream.Update{
		Ct:          "SUB_IMAGE",
		PublishTime: time.Now(),
		Markets: []stream.MarketChange{{
			ID:  marketID,
			Img: true,
			MarketDefinition: &stream.MarketDefinition{
				Status: status,
				Runners: []stream.RunnerDefinition{
					{ID: 1, Status: "ACTIVE"},
					{ID: 2, Status: "ACTIVE"},
					{ID: 3, Status: "REMOVED"},
				},
			},
			Rc: []stream.RunnerChange{
				{ID: 1, Atb: [][]float64{{1.58, 50}}, Atl: [][]float64{{1.6, 100}, {1.62, 20}}},
				{ID: 2, Atb: [][]float64{{3.9, 40}}, Atl: [][]float64{{4.0, 100}}},
				{ID: 3, Atb: [][]float64{{9, 5}}, Atl: [][]float64{{10, 5}}},
			},
		}},
	}
}

func TestFeedBuildsSnapshots(t *testing.T) {
	src := make(chanSource, 4)
	store := snapshot.NewStore(time.Minute)
	defer store.Close()
	f := New(src, store)
	col := &collector{}
	f.OnSnapshot(col)
	var panicked bool
	f.OnSnapshot(SnapshotHandlerFunc(func(domain.MarketSnapshot) {
		panicked = true
		panic("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	src <- image("1.1", "OPEN")
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)

	snap, _, ok := store.Get("1.1")
	require.True(t, ok)
	assert.Equal(t, domain.SourceStream, snap.Source)
	require.Len(t, snap.Runners, 2)
	r1, ok := snap.Runner(1)
	require.True(t, ok)
	assert.Equal(t, 1.58, r1.BackOdds)
	assert.Equal(t, 1.6, r1.LayOdds)
	assert.Len(t, r1.LayLadder, 2)

	// 增量：selection 2 的 lay 价格变化
	src <- stream.Update{Ct: "", Markets: []stream.MarketChange{{
		ID: "1.1",
		Rc: []stream.RunnerChange{{ID: 2, Atl: [][]float64{{4.0, 0}, {4.2, 30}}}},
	}}}
	require.Eventually(t, func() bool { return col.len() == 2 }, time.Second, time.Millisecond)
	snap, _, _ = store.Get("1.1")
	r2, _ := snap.Runner(2)
	assert.Equal(t, 4.2, r2.LayOdds)
	assert.True(t, panicked)

	close(src)
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("feed did not stop after source closed")
	}
}

func TestFeedDropsClosedMarkets(t *testing.T) {
	src := make(chanSource, 4)
	store := snapshot.NewStore(time.Minute)
	defer store.Close()
	f := New(src, store)
	col := &collector{}
	f.OnSnapshot(col)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	src <- image("1.1", "OPEN")
	src <- image("1.1", "CLOSED")
	require.Eventually(t, func() bool { return f.Cache().Len() == 0 && col.len() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-f.Done()
}
