package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetInsertReportsNewMembers(t *testing.T) {
	var s Set[string]
	assert.True(t, s.Insert("a"))
	assert.False(t, s.Insert("a"))
	assert.True(t, s.Insert("b"))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
}

func TestOf(t *testing.T) {
	s := Of(1, 2, 2, 3)
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains(3))
}
