package coord_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syros-io/syros/pkg/coord"
)

func TestError_KindAndRetryability(t *testing.T) {
	err := coord.E(coord.KindLockConflict, "key %q held", "orders")
	assert.Equal(t, coord.KindLockConflict, coord.KindOf(err))
	assert.False(t, coord.IsRetryable(err))

	err = coord.E(coord.KindStoreTimeout, "lease store")
	assert.True(t, coord.IsRetryable(err))
	assert.True(t, err.Retryable)
}

func TestError_WrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := coord.Wrap(coord.KindStoreUnavailable, cause, "redis SET")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "store_unavailable")
}

func TestError_IsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", coord.E(coord.KindWaitTimeout, "deadline"))
	assert.True(t, coord.IsKind(err, coord.KindWaitTimeout))
	assert.False(t, coord.IsKind(err, coord.KindLockConflict))
	assert.True(t, errors.Is(err, coord.E(coord.KindWaitTimeout, "")))
}

func TestKindOf_NonTaxonomyError(t *testing.T) {
	assert.Equal(t, coord.KindInternal, coord.KindOf(errors.New("boom")))
	assert.False(t, coord.IsRetryable(errors.New("boom")))
}

func TestFromStore_TimeoutVersusUnavailable(t *testing.T) {
	err := coord.FromStore(context.DeadlineExceeded, "GET")
	assert.Equal(t, coord.KindStoreTimeout, err.Kind)
	assert.True(t, err.Retryable)

	err = coord.FromStore(errors.New("broken pipe"), "GET")
	assert.Equal(t, coord.KindStoreUnavailable, err.Kind)
	assert.True(t, err.Retryable)
}
