package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/kv"
)

func TestAppendLoadClearRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())

	require.False(t, s.Exists(ctx, "abc123"))
	require.Empty(t, s.Load(ctx, "abc123"))

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := []Entry{
		{Question: "What is this about?", Answer: "Neural nets.", Timestamp: ts},
		{Question: "And then?", Answer: "Backprop.", Timestamp: ts.Add(time.Minute)},
	}
	for _, e := range want {
		_, err := s.Append(ctx, "abc123", e)
		require.NoError(t, err)
	}
	require.Equal(t, want, s.Load(ctx, "abc123"))
	require.True(t, s.Exists(ctx, "abc123"))

	require.NoError(t, s.Clear(ctx, "abc123"))
	require.Empty(t, s.Load(ctx, "abc123"))
	require.False(t, s.Exists(ctx, "abc123"))
}

func TestSubjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())

	_, err := s.Append(ctx, "one", NewEntry("q1", "a1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "two", NewEntry("q2", "a2"))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "one"))
	got := s.Load(ctx, "two")
	require.Len(t, got, 1)
	require.Equal(t, "q2", got[0].Question)

	videos, err := s.Videos(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"two"}, videos)
}

func TestEmptyHistoryIsNotMissing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())
	require.NoError(t, s.Save(ctx, "abc123", nil))
	require.True(t, s.Exists(ctx, "abc123"))
	require.Empty(t, s.Load(ctx, "abc123"))
}

func TestCorruptHistoryLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	require.NoError(t, mem.Set(ctx, Key("abc123"), []byte(`{"not":"a list"}`)))
	s := NewStore(mem)
	require.Empty(t, s.Load(ctx, "abc123"))

	entries, err := s.Append(ctx, "abc123", NewEntry("q", "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestKeyAndEmptyVideoID(t *testing.T) {
	require.Equal(t, "conversation_abc123", Key("abc123"))
	_, err := NewStore(kv.NewMemoryStore()).Append(context.Background(), " ", NewEntry("q", "a"))
	require.Error(t, err)
}
