package loadbalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counts(n int, assigned []int) []int {
	c := make([]int, n)
	for _, w := range assigned {
		c[w]++
	}
	return c
}

func TestPyramidPrefersIdleWorker(t *testing.T) {
	b := &PyramidBalancer{}
	assert.Equal(t, []int{1}, b.Assign([]int{1, 0}, 2, 1))
}

func TestPyramidFillsToLimit(t *testing.T) {
	b := &PyramidBalancer{}

	// 5 jobs, 2 workers, cap 2: four start, one waits
	got := b.Assign([]int{0, 0}, 2, 5)
	assert.Equal(t, []int{0, 1, 0, 1}, got)

	got = b.Assign([]int{0, 0, 1}, 2, 4)
	assert.Equal(t, []int{0, 1, 0, 1}, got)
}

func TestPyramidNeverExceedsLimit(t *testing.T) {
	b := &PyramidBalancer{}
	load := []int{0, 5, 5, 1}
	got := b.Assign(load, 2, 10)

	c := counts(len(load), got)
	for i := range load {
		if load[i] < 2 {
			assert.LessOrEqual(t, load[i]+c[i], 2, "worker %d", i)
		} else {
			assert.Zero(t, c[i], "worker %d was already full", i)
		}
	}
	assert.Len(t, got, 3)
}

func TestPyramidNothingToDo(t *testing.T) {
	b := &PyramidBalancer{}
	assert.Empty(t, b.Assign([]int{2, 2}, 2, 3))
	assert.Empty(t, b.Assign([]int{0, 0}, 2, 0))
	assert.Empty(t, b.Assign(nil, 2, 3))
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	got := b.Assign([]int{0, 0, 0}, 1, 3)
	assert.ElementsMatch(t, []int{0, 1, 2}, got)

	got = b.Assign([]int{0, 2, 0}, 2, 10)
	assert.Equal(t, []int{2, 0, 2}, counts(3, got))
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{"": "pyramid", "pyramid": "pyramid", "roundrobin": "roundrobin"} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("random")
	assert.Error(t, err)
}
