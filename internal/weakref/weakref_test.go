package weakref_test

import (
	"testing"

	"github.com/cuemby/fedimint-client/internal/weakref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner struct{ Name string }

func TestGetBeforeSetReturnsErrUnset(t *testing.T) {
	c := weakref.New[owner]()
	_, err := c.Get()
	assert.ErrorIs(t, err, weakref.ErrUnset)
}

func TestSetThenGetUpgradesReference(t *testing.T) {
	c := weakref.New[owner]()
	o := &owner{Name: "client"}
	c.Set(o)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Same(t, o, got)
}

func TestSecondSetIsNoOp(t *testing.T) {
	c := weakref.New[owner]()
	first := &owner{Name: "first"}
	second := &owner{Name: "second"}
	c.Set(first)
	c.Set(second)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestInvalidateYieldsCleanErrorNotPanic(t *testing.T) {
	c := weakref.New[owner]()
	c.Set(&owner{Name: "client"})
	c.Invalidate()

	_, err := c.Get()
	assert.ErrorIs(t, err, weakref.ErrInvalidated)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	c := weakref.New[owner]()
	c.Set(&owner{Name: "client"})
	c.Invalidate()
	c.Invalidate()

	_, err := c.Get()
	assert.ErrorIs(t, err, weakref.ErrInvalidated)
}
