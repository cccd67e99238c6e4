package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonal-labs/cantata/pkg/util"
)

func TestSet(t *testing.T) {
	s := util.SetOf("a", "b")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))

	s.Add("c")
	assert.True(t, s.Contains("c"))

	s.Remove("a")
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 2, s.Len())

	empty := util.SetOf[string]()
	assert.True(t, empty.IsEmpty())
	assert.False(t, s.IsEmpty())
}
