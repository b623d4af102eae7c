package sequence

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func even(v int) bool { return v%2 == 0 }

func TestFilter(t *testing.T) {
	data := []int{1, 2, 3, 4}
	out := Filter(data, even)
	assert.Equal(t, []int{2, 4}, out)

	out[0] = 9
	assert.Equal(t, []int{1, 2, 3, 4}, data)
	assert.Empty(t, Filter[int](nil, even))
}

func TestMap(t *testing.T) {
	assert.Equal(t, []string{"a", "bb"}, Map([]int{1, 2}, func(n int) string {
		return string(slices.Repeat([]byte{'a' + byte(n-1)}, n))
	}))
}

func TestValuesStopsEarly(t *testing.T) {
	var seen []int
	for v := range Values([]int{2, 3, 4, 6}, even) {
		seen = append(seen, v)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []int{2, 4}, seen)
}

func TestPartitionAndSet(t *testing.T) {
	matches, rest := Partition([]int{1, 2, 3, 4}, even)
	assert.Equal(t, []int{2, 4}, matches)
	assert.Equal(t, []int{1, 3}, rest)

	set := ToSet([]string{"a", "b", "a"}, func(s string) string { return s })
	assert.Len(t, set, 2)
	assert.Contains(t, set, "a")
}
