package kvstore

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

func TestCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(OpenOptions{Path: dir})
	require.NoError(t, err)
	cs := s.Cursors("")
	cur, err := cs.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cur.MarketIDs)

	want := stream.Cursor{MarketIDs: []string{"1.1", "1.2"}, InitialClk: "ic", Clk: "c-9"}
	require.NoError(t, cs.SaveCursor(ctx, want))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Cursors(DefaultCursorKey).LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open(OpenOptions{})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k", []byte("")))
	v, ok, err := s.Get(" k ")
	require.NoError(t, err)
	assert.True(t, ok, "空值也算存在")
	assert.Empty(t, v)

	require.NoError(t, s.Delete("k"))
	err = s.GetJSON("k", &struct{}{})
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Error(t, s.Set("  ", []byte("x")))
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b, err := ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
}
