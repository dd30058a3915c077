package d

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTry(t *testing.T) {
	ok, err := IsUsageError(func() { Exp.Fail("hey-o") })
	assert.True(t, ok)
	assert.Error(t, err)

	assert.Panics(t, func() {
		Try(func() { Chk.Fail("hey-o") })
	})

	assert.Panics(t, func() {
		Try(func() { panic("hey-o") })
	})
}

func TestPanicIfError(t *testing.T) {
	assert.NotPanics(t, func() { PanicIfError(nil) })
	assert.Panics(t, func() { PanicIfError(assert.AnError) })
}

func TestPanicIfTrueFalse(t *testing.T) {
	assert.Panics(t, func() { PanicIfTrue(true, "nope") })
	assert.NotPanics(t, func() { PanicIfTrue(false, "nope") })
	assert.Panics(t, func() { PanicIfFalse(false, "nope") })
	assert.NotPanics(t, func() { PanicIfFalse(true, "nope") })
}
