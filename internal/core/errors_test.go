package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("write backup: %w", E(KindDriver, "dump failed", cause))

	assert.Equal(t, KindDriver, KindOf(err))
	assert.True(t, IsKind(err, KindDriver))
	assert.False(t, IsKind(err, KindTimeout))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := E(KindConnection, "open tunnel", errors.New("refused"))
	assert.Equal(t, "open tunnel: refused", err.Error())
	assert.Equal(t, "no tx", Ef(KindNoActiveTransaction, "no tx").Error())
}
