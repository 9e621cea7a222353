package culprit

import "fmt"

// CloneError reports a failed clone of a remote repository.
type CloneError struct {
	URL  string
	Dest string
	Err  error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone of %s into %s failed: %v", e.URL, e.Dest, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// CheckoutError reports a failed checkout of a commit in the working copy.
type CheckoutError struct {
	Ref string
	Err error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout of %s failed: %v", e.Ref, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// EmptyRangeError is returned by Midpoint when no commit lies strictly
// between the two boundaries, i.e. the range has collapsed to an adjacent
// pair.
type EmptyRangeError struct {
	Low  string
	High string
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("no commit strictly between %s and %s", e.Low, e.High)
}

// UnknownCommitError reports a boundary ref that does not resolve to a
// commit in the repository.
type UnknownCommitError struct {
	Ref string
}

func (e *UnknownCommitError) Error() string {
	return fmt.Sprintf("unknown commit %q", e.Ref)
}

// NotAncestorError reports a range whose old boundary is not a strict
// ancestor of its new boundary.
type NotAncestorError struct {
	Old string
	New string
}

func (e *NotAncestorError) Error() string {
	return fmt.Sprintf("commit %s is not a strict ancestor of %s", e.Old, e.New)
}

// InconclusiveRegionError aborts a search after the midpoint and its
// substitute neighbor both stayed inconclusive through retries. Low and High
// hold the bracket at the time of failure so the search can be resumed by
// hand.
type InconclusiveRegionError struct {
	Mid  string
	Low  string
	High string
}

func (e *InconclusiveRegionError) Error() string {
	return fmt.Sprintf("inconclusive region around %s, bracket [%s, %s]", e.Mid, e.Low, e.High)
}

// NonMonotonicHistoryError aborts a search whose recorded verdicts
// contradict the assumption that the bug state flips exactly once between
// the boundaries.
type NonMonotonicHistoryError struct {
	// The two commits whose recorded verdicts contradict the expected
	// single flip between the boundaries.
	Present string
	Absent  string

	Low  string
	High string
}

func (e *NonMonotonicHistoryError) Error() string {
	return fmt.Sprintf("oracle verdicts are not monotonic: %s reports the bug, %s does not, bracket [%s, %s]",
		e.Present, e.Absent, e.Low, e.High)
}

// ExhaustedError aborts a search that exceeded its step budget without
// collapsing the bracket.
type ExhaustedError struct {
	Steps int
	Low   string
	High  string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step budget of %d exhausted, bracket [%s, %s]", e.Steps, e.Low, e.High)
}

// ProjectNotFoundError reports a project name with no directory under the
// configured projects root.
type ProjectNotFoundError struct {
	Project string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("no project found with name %q", e.Project)
}

// RepoURLNotInferableError reports a project whose Dockerfile contains no
// recognizable repository URL.
type RepoURLNotInferableError struct {
	Project    string
	Dockerfile string
}

func (e *RepoURLNotInferableError) Error() string {
	return fmt.Sprintf("no repository URL for %q could be inferred from %s", e.Project, e.Dockerfile)
}
