package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners(t *testing.T) {
	var ls Listeners[int]
	var got []int
	fn := func(v int) { got = append(got, v) }
	off1 := ls.Add(fn)
	off2 := ls.Add(func(v int) { got = append(got, -v) })
	ls.Emit(1)
	assert.Equal(t, []int{1, -1}, got)

	off1()
	off1()
	ls.Emit(2)
	assert.Equal(t, []int{1, -1, -2}, got)
	assert.Equal(t, 1, ls.Len())

	off2()
	ls.Emit(3)
	assert.Equal(t, 0, ls.Len())
	assert.Equal(t, []int{1, -1, -2}, got)
}

func TestListenersClear(t *testing.T) {
	var ls Listeners[string]
	calls := 0
	ls.Add(func(string) { calls++ })
	ls.Clear()
	ls.Emit("x")
	assert.Equal(t, 0, calls)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-3, 0, 5))
	assert.Equal(t, 5, Clamp(9, 0, 5))
	assert.Equal(t, 2, Clamp(2, 0, 5))
	assert.Equal(t, 0, Clamp(2, 0, -1))
}
