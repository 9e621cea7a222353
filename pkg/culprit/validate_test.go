package culprit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRange(t *testing.T) {
	repo := newFakeRepo(5)

	t.Run("Valid range passes", func(t *testing.T) {
		assert.NoError(t, ValidateRange(repo, "c0", "c4"))
	})

	t.Run("Validation is idempotent", func(t *testing.T) {
		require.NoError(t, ValidateRange(repo, "c1", "c3"))
		assert.NoError(t, ValidateRange(repo, "c1", "c3"))
		assert.Empty(t, repo.checkouts, "Validation must not mutate the working copy")
	})

	t.Run("Unknown old commit", func(t *testing.T) {
		err := ValidateRange(repo, "missing", "c4")

		var unknown *UnknownCommitError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "missing", unknown.Ref)
	})

	t.Run("Unknown new commit", func(t *testing.T) {
		err := ValidateRange(repo, "c0", "missing")

		var unknown *UnknownCommitError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "missing", unknown.Ref)
	})

	t.Run("Reversed boundaries", func(t *testing.T) {
		err := ValidateRange(repo, "c4", "c0")

		var notAncestor *NotAncestorError
		require.ErrorAs(t, err, &notAncestor)
		assert.Equal(t, "c4", notAncestor.Old)
		assert.Equal(t, "c0", notAncestor.New)
	})

	t.Run("Identical boundaries", func(t *testing.T) {
		err := ValidateRange(repo, "c2", "c2")

		var notAncestor *NotAncestorError
		require.ErrorAs(t, err, &notAncestor, "A strict ancestor is required")
	})
}
