package culprit

import "fmt"

// ValidateRange confirms that both boundary refs resolve to commits and
// that old is a strict ancestor of new, guaranteeing the engine a
// well-formed, non-empty search interval. It performs no mutation, so
// validating an already-valid range is idempotent.
func ValidateRange(repo Repository, old, new string) error {
	if !repo.Exists(old) {
		return &UnknownCommitError{Ref: old}
	}
	if !repo.Exists(new) {
		return &UnknownCommitError{Ref: new}
	}

	ok, err := repo.IsAncestor(old, new)
	if err != nil {
		return fmt.Errorf("ancestry check of %s and %s failed: %w", old, new, err)
	}
	if !ok {
		return &NotAncestorError{Old: old, New: new}
	}

	// IsAncestor treats a commit as its own ancestor; the range needs a
	// strict one, which rules out old and new naming the same commit.
	same, err := repo.IsAncestor(new, old)
	if err != nil {
		return fmt.Errorf("ancestry check of %s and %s failed: %w", new, old, err)
	}
	if same {
		return &NotAncestorError{Old: old, New: new}
	}

	return nil
}
