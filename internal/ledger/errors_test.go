package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", conflict("delta must not be %d", 0))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindConflict, kind)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "CONFLICT", e.ErrorCode())
	assert.Equal(t, "delta must not be 0", e.Error())
	assert.Equal(t, "error: CONFLICT: delta must not be 0\n", e.FormatStderr())

	_, ok = KindOf(errors.New("disk full"))
	assert.False(t, ok)
	assert.True(t, IsForbidden(forbidden("x")))
	assert.True(t, IsNotFound(notFound("x")))
}
