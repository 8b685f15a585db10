package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Staged", Staged.String())
	assert.Equal(t, "Active", Active.String())
}

func TestNewConnectionIDIsUnique(t *testing.T) {
	a := NewConnectionID()
	b := NewConnectionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
