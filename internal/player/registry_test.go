package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/liveedge/internal/demux"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a := NewSession(newFakeTransport(), demux.New(nil), &fakeSink{}, Config{Source: "a"})
	b := NewSession(newFakeTransport(), demux.New(nil), &fakeSink{}, Config{Source: "b"})
	r.Add(a)
	r.Add(b)

	got, err := r.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	snaps := r.List()
	require.Len(t, snaps, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{snaps[0].Source, snaps[1].Source})
	assert.False(t, snaps[1].CreatedAt.Before(snaps[0].CreatedAt))

	total, open := r.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, open)

	require.NoError(t, r.Close(b.ID()))
	assert.Equal(t, StateClosed, b.Snapshot().State)
	_, open = r.Count()
	assert.Equal(t, 1, open)

	assert.ErrorIs(t, r.Close("missing"), ErrSessionNotFound)

	r.Remove(a.ID())
	total, _ = r.Count()
	assert.Equal(t, 1, total)
}
