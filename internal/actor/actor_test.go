package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse(" Agency ", "42")
	require.NoError(t, err)
	assert.Equal(t, RoleAgency, a.Role)
	assert.Equal(t, "agency:42", a.Subject())
	assert.True(t, a.Valid())

	_, err = Parse("system", "1")
	assert.ErrorIs(t, err, ErrInvalidActor)

	_, err = Parse("admin", "abc")
	assert.ErrorIs(t, err, ErrInvalidActor)

	_, err = Parse("admin", "0")
	assert.ErrorIs(t, err, ErrInvalidActor)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), System)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.True(t, got.IsSystem())
	assert.Equal(t, "system", got.Subject())
	assert.Equal(t, "", got.IDString())
}
