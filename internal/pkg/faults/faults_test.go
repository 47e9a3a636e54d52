package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsPermanent(Transient(base)))

	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsTransient(Permanent(base)))

	assert.False(t, IsTransient(base))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsTransient(nil))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	base := errors.New("db gone")
	wrapped := fmt.Errorf("reconcile order 42: %w", Transient(base))

	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestNilPassthrough(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}
