package ael

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataView_borrowedAndSaved(t *testing.T) {
	backing := []byte("hello world")
	dv := NewDataView(backing)

	assert.Equal(t, 11, dv.Len())
	assert.False(t, dv.Empty())

	saved := dv.Save()
	require.NotNil(t, saved)
	assert.Equal(t, "hello world", saved.String())

	// Saved views are copies: mutating the original backing must not show.
	backing[0] = 'H'
	assert.Equal(t, "hello world", saved.String())
	assert.Equal(t, "Hello world", dv.String())

	// Saving an already-saved view returns the same instance.
	assert.Same(t, saved, saved.Save())
}

func TestDataView_slice(t *testing.T) {
	dv := StringDataView("abcdef")

	suffix := dv.Slice(2)
	assert.Equal(t, "cdef", suffix.String())

	empty := dv.Slice(6)
	assert.True(t, empty.Empty())

	assert.Panics(t, func() { dv.Slice(7) })
	assert.Panics(t, func() { dv.Slice(-1) })
}

func TestDataView_zeroValue(t *testing.T) {
	var dv DataView
	assert.True(t, dv.Empty())
	assert.Equal(t, 0, dv.Len())
	saved := dv.Save()
	assert.Equal(t, 0, saved.Len())
}
