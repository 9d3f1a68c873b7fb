package connections

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel}))
}

func TestBindIsIdempotent(t *testing.T) {
	r := testRegistry()

	require.True(t, r.Bind("C1", "conn-a", "alice"))
	require.False(t, r.Bind("C1", "conn-a", "alice"))

	assert.Equal(t, []string{"conn-a"}, r.ConnectionsFor("C1"))
	assert.Equal(t, 1, r.Count())
}

func TestBindMovesConnectionBetweenContests(t *testing.T) {
	r := testRegistry()
	r.Bind("C1", "conn-a", "alice")
	r.Bind("C1", "conn-b", "bob")

	require.True(t, r.Bind("C2", "conn-a", "alice"))

	assert.Equal(t, []string{"conn-b"}, r.ConnectionsFor("C1"))
	assert.Equal(t, []string{"conn-a"}, r.ConnectionsFor("C2"))
	b, ok := r.InfoFor("conn-a")
	require.True(t, ok)
	assert.Equal(t, Binding{ContestID: "C2", Address: "alice"}, b)
}

func TestBindUpdatesAddressInPlace(t *testing.T) {
	r := testRegistry()
	r.Bind("C1", "conn-a", "")
	require.True(t, r.Bind("C1", "conn-a", "alice"))

	assert.Equal(t, []string{"conn-a"}, r.ConnectionsFor("C1"))
	assert.Equal(t, []string{"alice"}, r.Addresses("C1"))
}

func TestBindRejectsEmptyKeys(t *testing.T) {
	r := testRegistry()
	assert.False(t, r.Bind("", "conn-a", "alice"))
	assert.False(t, r.Bind("C1", "", "alice"))
	assert.Zero(t, r.Count())
}

func TestUnbindUnknownIsNoop(t *testing.T) {
	r := testRegistry()
	require.NotPanics(t, func() {
		_, ok := r.Unbind("ghost")
		assert.False(t, ok)
	})

	r.Bind("C1", "conn-a", "alice")
	_, ok := r.Unbind("ghost")
	assert.False(t, ok)
	assert.Equal(t, []string{"conn-a"}, r.ConnectionsFor("C1"))
}

func TestUnbindRemovesBothDirections(t *testing.T) {
	r := testRegistry()
	r.Bind("C1", "conn-a", "alice")

	b, ok := r.Unbind("conn-a")
	require.True(t, ok)
	assert.Equal(t, "C1", b.ContestID)

	_, ok = r.InfoFor("conn-a")
	assert.False(t, ok)
	assert.Empty(t, r.ConnectionsFor("C1"))

	// Second unbind of the same id is a no-op.
	_, ok = r.Unbind("conn-a")
	assert.False(t, ok)
}

func TestConnectionsForUnknownContest(t *testing.T) {
	r := testRegistry()
	ids := r.ConnectionsFor("nope")
	require.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestUnbindContest(t *testing.T) {
	r := testRegistry()
	r.Bind("C1", "conn-b", "bob")
	r.Bind("C1", "conn-a", "alice")
	r.Bind("C2", "conn-c", "carol")

	assert.Equal(t, []string{"conn-a", "conn-b"}, r.UnbindContest("C1"))
	assert.Empty(t, r.ConnectionsFor("C1"))
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.UnbindContest("C1"))
}

func TestAddressesSkipsSpectators(t *testing.T) {
	r := testRegistry()
	r.Bind("C1", "conn-a", "alice")
	r.Bind("C1", "conn-a2", "alice")
	r.Bind("C1", "conn-s", "")

	assert.Equal(t, []string{"alice"}, r.Addresses("C1"))
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := testRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			contest := fmt.Sprintf("C%d", i%3)
			r.Bind(contest, conn, "addr")
			r.ConnectionsFor(contest)
			if i%2 == 0 {
				r.Unbind(conn)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Count())
}
