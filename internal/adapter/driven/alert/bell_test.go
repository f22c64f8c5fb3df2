package alert

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBellRingsAndSilences(t *testing.T) {
	var out bytes.Buffer
	b := NewBell(&out)

	b.Ring("bob")
	assert.Equal(t, "\a", out.String())
	caller, ok := b.Ringing()
	assert.True(t, ok)
	assert.Equal(t, "bob", caller.String())

	b.Silence()
	_, ok = b.Ringing()
	assert.False(t, ok)

	b.Silence()
	assert.Equal(t, "\a", out.String())
}

func TestBellWithoutWriter(t *testing.T) {
	b := NewBell(nil)
	b.Ring("carol")
	_, ok := b.Ringing()
	assert.True(t, ok)
}
