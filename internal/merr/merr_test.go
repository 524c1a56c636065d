package merr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/metamodel"
)

func TestNoCandidateMessage(t *testing.T) {
	err := NewNoCandidate(metamodel.Provider{Kind: metamodel.SharedLibrary, Name: "libz.so"})
	assert.Equal(t, "no candidate for SharedLibrary(libz.so)", err.Error())
}

func TestStateConflictVariants(t *testing.T) {
	assert.Equal(t, "state 4 already active", NewStateAlreadyActive(4).Error())
	assert.Equal(t, "state 9 doesn't exist", NewStateDoesntExist(9).Error())
}

func TestCancelledWrapsCause(t *testing.T) {
	cause := errors.New("context canceled")
	err := NewCancelled("fetch", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch cancelled")
}

func TestCauseChainJoinsWithColon(t *testing.T) {
	inner := errors.New("disk full")
	wrapped := fmt.Errorf("write asset: %w", inner)
	outer := fmt.Errorf("unpack nano: %w", wrapped)
	assert.Equal(t, "unpack nano: write asset: disk full", outer.Error())
	assert.ErrorIs(t, outer, inner)
}

func TestMultiError(t *testing.T) {
	var m MultiError
	assert.NoError(t, m.ErrorOrNil())

	only := errors.New("one")
	m.Append(nil)
	m.Append(only)
	assert.Equal(t, only, m.ErrorOrNil())

	m.Append(errors.New("two"))
	err := m.ErrorOrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
	assert.Contains(t, err.Error(), "one; two")
}
