//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "remindcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Empty(t, s.Load(ctx, "42"))

	require.NoError(t, s.Save(ctx, "42", sampleSet(t)))
	require.NoError(t, s.Save(ctx, "1", model.EventSet{}))
	assert.Len(t, s.Load(ctx, "42"), 2)

	// Overwrite replaces the whole set.
	require.NoError(t, s.Save(ctx, "42", model.EventSet{}))
	assert.Empty(t, s.Load(ctx, "42"))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "42"}, users)

	require.ErrorIs(t, s.Save(ctx, "a b", model.EventSet{}), ErrInvalidUser)
}
