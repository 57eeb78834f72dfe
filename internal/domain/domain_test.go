package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifiersRejectBlank(t *testing.T) {
	_, err := NewAggregateType("  ")
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewAggregateID("")
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewStreamKey("CATEGORY", "")
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	key, err := NewStreamKey("CATEGORY", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "CATEGORY/c-1", key.String())
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, GenerateAggregateID(), GenerateAggregateID())
}

func TestVersionArithmetic(t *testing.T) {
	assert.Equal(t, Version(0), Zero())
	assert.Equal(t, Version(1), Zero().Next())
	assert.Equal(t, uint64(7), Version(7).Value())
}

func TestVersionConflictError(t *testing.T) {
	stream := StreamKey{Type: "CATEGORY", ID: "c-1"}
	actual := Version(4)

	err := error(NewVersionConflict(stream, 2, &actual))
	assert.True(t, IsVersionConflict(err))
	assert.Contains(t, err.Error(), "actual 4")

	wrapped := errors.Wrap(err, "dispatch")
	var conflict *VersionConflictError
	require.True(t, errors.As(wrapped, &conflict))
	assert.True(t, conflict.HasActual)
	assert.Equal(t, Version(2), conflict.Expected)

	empty := NewVersionConflict(stream, 0, nil)
	assert.False(t, empty.HasActual)
	assert.Contains(t, empty.Error(), "stream is empty")
}

func TestCommandRejectedError(t *testing.T) {
	err := error(&CommandRejectedError{
		Stream:  StreamKey{Type: "CATEGORY", ID: "c-1"},
		Command: "RenameCategory",
		Err:     ErrAggregateDeleted,
	})

	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, ErrAggregateDeleted)
	assert.False(t, IsVersionConflict(err))
}

func TestAgentString(t *testing.T) {
	assert.Equal(t, "USER:u-1", User("u-1").String())
	assert.Equal(t, "SYSTEM", System().String())
	assert.Equal(t, AgentAnonymous, Anonymous().Kind)
}
