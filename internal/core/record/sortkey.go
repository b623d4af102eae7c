package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	sortKeyMin = 1
	sortKeyMax = 100000000

	// sortKeyStride separates appended slides.
	sortKeyStride = 1000

	uniqueAttempts = 10
)

// SortKey orders slides inside a document. It is a list of integer components
// compared lexicographically and rendered as zero-padded, colon-separated text.
type SortKey []int

// NewSortKey builds a key from components, defaulting to [1].
func NewSortKey(components ...int) SortKey {
	if len(components) == 0 {
		return SortKey{1}
	}
	return append(SortKey(nil), components...)
}

// ParseSortKey parses the text form. Unparseable components become 0.
func ParseSortKey(s string) SortKey {
	if s == "" {
		return SortKey{1}
	}
	parts := strings.Split(s, ":")
	out := make(SortKey, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

func (k SortKey) String() string {
	parts := make([]string, len(k))
	for i, c := range k {
		parts[i] = fmt.Sprintf("%08d", c)
	}
	return strings.Join(parts, ":")
}

func (k SortKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *SortKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = ParseSortKey(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("sort key: %w", err)
	}
	*k = SortKey{int(n)}
	return nil
}

// Compare returns -1, 0 or 1. A key that is a prefix of another sorts first.
func (k SortKey) Compare(other SortKey) int {
	for i := 0; i < len(k) && i < len(other); i++ {
		switch {
		case k[i] < other[i]:
			return -1
		case k[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	}
	return 0
}

func (k SortKey) Equal(other SortKey) bool {
	return k.Compare(other) == 0
}

// Add offsets the first component that stays positive after adding n. When no
// component can absorb n a new trailing component is appended.
func (k SortKey) Add(n int) SortKey {
	out := make(SortKey, 0, len(k)+1)
	for _, c := range k {
		if c+n >= sortKeyMin {
			return append(out, c+n)
		}
		out = append(out, c)
	}
	return append(out, sortKeyStride)
}

// Between returns a key strictly ordered between left and right when possible.
func Between(left, right SortKey) SortKey {
	index := 0
	for index < len(left) && index < len(right) {
		a, b := left[index], right[index]
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		if diff <= 1 {
			index++
			continue
		}
		out := append(SortKey(nil), left[:index]...)
		return append(out, min(a, b)+roundHalf(float64(diff)/2))
	}

	var out SortKey
	switch {
	case len(left) < len(right):
		if last := right[index]; last > sortKeyMin {
			out = append(append(SortKey(nil), right[:index]...), roundHalf(sortKeyMin+float64(last)/2))
		}
	case len(left) > len(right):
		if last := left[index]; last < sortKeyMax {
			out = append(append(SortKey(nil), left[:index]...), roundHalf(float64(last)+float64(sortKeyMax-last)/2))
		}
	}
	if out != nil {
		return out
	}

	source := right
	switch {
	case len(left) > len(right):
		source = left
	case len(left) == len(right) && len(left) > 0 && left[len(left)-1] < right[len(right)-1]:
		source = left
	}
	return append(append(SortKey(nil), source...), sortKeyMax/2)
}

// UniqueBetween is Between that avoids every key in pool. Either bound may be
// nil. It gives up after a bounded number of attempts.
func UniqueBetween(left, right SortKey, pool []SortKey) (SortKey, bool) {
	for attempt := 0; attempt <= uniqueAttempts; attempt++ {
		var candidate SortKey
		switch {
		case left != nil && right != nil:
			candidate = Between(left, right)
		case left != nil:
			candidate = left.Add(1)
		case right != nil:
			candidate = right.Add(-1)
		default:
			return SortKey{sortKeyStride}, true
		}

		taken := false
		for _, k := range pool {
			if k.Equal(candidate) {
				taken = true
				break
			}
		}
		if !taken {
			return candidate, true
		}

		if left != nil {
			right = candidate
		} else {
			left = candidate
		}
	}
	return nil, false
}

// After returns a key past every key in keys, leaving room for insertions.
func After(keys []SortKey) SortKey {
	highest := SortKey{0}
	for _, k := range keys {
		if k != nil && k.Compare(highest) > 0 {
			highest = k
		}
	}
	return SortKey{highest[0] + sortKeyStride}
}

func roundHalf(f float64) int {
	return int(math.Floor(f + 0.5))
}
