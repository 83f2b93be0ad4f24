package line

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/buttond/internal/gpio"
)

func testTable() Table {
	return Table{
		Outputs: []gpio.Line{{Name: "LED", Offset: 4, Initial: gpio.Low}},
		Inputs: []gpio.Line{
			{Name: "ON", Offset: 17},
			{Name: "OFF", Offset: 18},
		},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *gpio.FakeChip) {
	t.Helper()
	f := gpio.NewFakeChip()
	r, err := NewRegistry(f, testTable())
	require.NoError(t, err)
	return r, f
}

func TestNewRegistryOrdersOutputsFirst(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []ID{0}, r.Outputs())
	assert.Equal(t, []ID{1, 2}, r.Inputs())
	assert.Equal(t, gpio.Output, r.Line(0).Direction)
	assert.Equal(t, gpio.Input, r.Line(2).Direction)

	id, ok := r.Lookup("OFF")
	require.True(t, ok)
	assert.Equal(t, ID(2), id)
	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(gpio.NewFakeChip(), Table{
		Outputs: []gpio.Line{{Name: "X", Offset: 1}},
		Inputs:  []gpio.Line{{Name: "X", Offset: 2}},
	})
	assert.Error(t, err)
}

func TestAcquireSetsInitialLevel(t *testing.T) {
	f := gpio.NewFakeChip()
	r, err := NewRegistry(f, Table{Outputs: []gpio.Line{{Name: "LED", Offset: 4, Initial: gpio.High}}})
	require.NoError(t, err)

	require.NoError(t, r.Acquire(0))
	assert.True(t, r.Acquired(0))
	assert.Equal(t, gpio.High, f.Level(4))

	v, err := r.Read(0)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, v)
}

func TestAcquireUnavailable(t *testing.T) {
	r, f := newTestRegistry(t)
	f.ClaimErrors[17] = errors.New("invalid offset")

	err := r.Acquire(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	var ae *AcquireError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "ON", ae.Line)
	assert.False(t, r.Acquired(1))
	assert.False(t, f.Claimed(17))
}

func TestAcquireTwiceWithoutRelease(t *testing.T) {
	r, f := newTestRegistry(t)

	require.NoError(t, r.Acquire(0))
	assert.ErrorIs(t, r.Acquire(0), ErrUnavailable)
	assert.Equal(t, []string{"claim LED"}, f.CallLog())
}

func TestReleaseIsIdempotent(t *testing.T) {
	r, f := newTestRegistry(t)

	// never acquired
	assert.NoError(t, r.Release(1))
	assert.Empty(t, f.CallLog())

	require.NoError(t, r.Acquire(1))
	assert.NoError(t, r.Release(1))
	assert.NoError(t, r.Release(1))
	assert.False(t, r.Acquired(1))
	assert.Equal(t, []string{"claim ON", "release ON"}, f.CallLog())
}

func TestReleaseEnvironmentErrorStillReleases(t *testing.T) {
	r, f := newTestRegistry(t)
	f.ReleaseError = errors.New("ebusy")

	require.NoError(t, r.Acquire(0))
	assert.Error(t, r.Release(0))
	assert.False(t, r.Acquired(0))
	assert.NoError(t, r.Release(0))
}

func TestReadWriteRequireAcquired(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Read(0)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, r.Write(0, gpio.High), ErrNotAcquired)
}

func TestWriteInputRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Acquire(1))

	assert.ErrorIs(t, r.Write(1, gpio.High), ErrDirection)
}

func TestReadInputFromEnvironment(t *testing.T) {
	r, f := newTestRegistry(t)
	require.NoError(t, r.Acquire(2))
	f.SetInput(18, gpio.High)

	v, err := r.Read(2)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, v)
}

func TestWriteDrivesOutput(t *testing.T) {
	r, f := newTestRegistry(t)
	require.NoError(t, r.Acquire(0))

	require.NoError(t, r.Write(0, gpio.High))
	assert.Equal(t, gpio.High, f.Level(4))
	v, err := r.Read(0)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, v)
}

func TestUpdateConditional(t *testing.T) {
	r, f := newTestRegistry(t)
	require.NoError(t, r.Acquire(0))

	setHighIfLow := func(cur gpio.Level) (gpio.Level, bool) {
		return gpio.High, cur == gpio.Low
	}

	lvl, changed, err := r.Update(0, setHighIfLow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, gpio.High, lvl)

	lvl, changed, err = r.Update(0, setHighIfLow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, gpio.High, lvl)
	assert.Equal(t, gpio.High, f.Level(4))
}

func TestUpdateConcurrentToggles(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Acquire(0))

	toggle := func(cur gpio.Level) (gpio.Level, bool) {
		if cur == gpio.Low {
			return gpio.High, true
		}
		return gpio.Low, true
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update(0, toggle)
		}()
	}
	wg.Wait()

	// 100 serialized toggles from Low end at Low
	v, err := r.Read(0)
	require.NoError(t, err)
	assert.Equal(t, gpio.Low, v)
}

func TestStates(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Acquire(0))
	require.NoError(t, r.Write(0, gpio.High))

	states := r.States()
	require.Len(t, states, 3)
	assert.Equal(t, State{Name: "LED", Offset: 4, Direction: gpio.Output, Acquired: true, Level: gpio.High}, states[0])
	assert.Equal(t, State{Name: "ON", Offset: 17, Direction: gpio.Input}, states[1])
}
