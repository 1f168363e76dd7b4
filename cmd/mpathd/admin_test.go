package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLuns(t *testing.T) {
	m, err := parseLuns("0, 5,9,")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 9}, m.Luns())

	m, err = parseLuns("")
	require.NoError(t, err)
	assert.Empty(t, m.Luns())

	_, err = parseLuns("5,x")
	assert.Error(t, err)
	_, err = parseLuns("256")
	assert.Error(t, err)
}

func TestIntArgs(t *testing.T) {
	ids, err := intArgs([]string{"3", "7"}, "device", "path")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7}, ids)

	_, err = intArgs([]string{"3", "p"}, "device", "path")
	assert.EqualError(t, err, `invalid path "p"`)
}

func TestJoinInts(t *testing.T) {
	assert.Equal(t, "-", joinInts(nil))
	assert.Equal(t, "1,2", joinInts([]int{1, 2}))
}
