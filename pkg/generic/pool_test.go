package generic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolResetsValues(t *testing.T) {
	p := NewHotPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset, 2)

	buf := p.Get()
	buf.WriteString("cached")
	p.Put(buf)
	assert.Zero(t, buf.Len())

	for i := 0; i < 4; i++ {
		assert.Zero(t, p.Get().Len())
	}
}
