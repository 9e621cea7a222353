package culprit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is a Repository over a synthetic linear history.
type fakeRepo struct {
	commits []string

	checkouts []string
}

func newFakeRepo(n int) *fakeRepo {
	commits := make([]string, n)
	for i := range commits {
		commits[i] = fmt.Sprintf("c%d", i)
	}
	return &fakeRepo{commits: commits}
}

func (f *fakeRepo) pos(ref string) int {
	for i, c := range f.commits {
		if c == ref {
			return i
		}
	}
	return -1
}

func (f *fakeRepo) Exists(ref string) bool { return f.pos(ref) >= 0 }

func (f *fakeRepo) IsAncestor(ancestor, descendant string) (bool, error) {
	ia, id := f.pos(ancestor), f.pos(descendant)
	if ia < 0 || id < 0 {
		return false, fmt.Errorf("unknown commit")
	}
	return ia <= id, nil
}

func (f *fakeRepo) Checkout(ref string) error {
	if f.pos(ref) < 0 {
		return &CheckoutError{Ref: ref, Err: fmt.Errorf("ref does not exist locally")}
	}
	f.checkouts = append(f.checkouts, ref)
	return nil
}

func (f *fakeRepo) Commits(old, new string) ([]string, error) {
	io, in := f.pos(old), f.pos(new)
	if io < 0 || in < 0 || io > in {
		return nil, fmt.Errorf("invalid range %s..%s", old, new)
	}
	return f.commits[io : in+1], nil
}

func (f *fakeRepo) Midpoint(low, high string) (string, error) {
	commits, err := f.Commits(low, high)
	if err != nil {
		return "", err
	}
	idx, ok := midpointIndex(len(commits))
	if !ok {
		return "", &EmptyRangeError{Low: low, High: high}
	}
	return commits[idx], nil
}

func (f *fakeRepo) RunInWorkingCopy(ctx context.Context, name string, args ...string) (ExecResult, error) {
	return ExecResult{}, nil
}

func (f *fakeRepo) Root() string { return "/fake" }

// fakeOracle answers from a fixed verdict table and counts its calls.
type fakeOracle struct {
	verdicts map[string]Verdict

	calls     int
	perCommit map[string]int
}

func (o *fakeOracle) Evaluate(ctx context.Context, ref string, repo Repository) (Verdict, error) {
	o.calls++
	if o.perCommit == nil {
		o.perCommit = make(map[string]int)
	}
	o.perCommit[ref]++

	v, ok := o.verdicts[ref]
	if !ok {
		return VerdictInconclusive, fmt.Errorf("no verdict configured for %s", ref)
	}
	return v, nil
}

// monotoneOracle marks every commit up to (and excluding) boundary as
// bug-absent and the rest as bug-present.
func monotoneOracle(repo *fakeRepo, boundary int) *fakeOracle {
	verdicts := make(map[string]Verdict)
	for i, c := range repo.commits {
		if i < boundary {
			verdicts[c] = VerdictBugAbsent
		} else {
			verdicts[c] = VerdictBugPresent
		}
	}
	return &fakeOracle{verdicts: verdicts}
}

func TestEngineEndToEnd(t *testing.T) {
	// Eight linear commits, bug introduced at c4.
	repo := newFakeRepo(8)
	oracle := monotoneOracle(repo, 4)

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7"})
	res, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c4", res.Commit, "Wrong boundary commit")
	assert.Equal(t, "c3", res.Low, "Wrong final low bound")
	assert.Equal(t, "c4", res.High, "Wrong final high bound")
	assert.LessOrEqual(t, oracle.calls, 4, "Too many oracle calls for distance 7")

	// The standard binary search trace over this range.
	assert.Equal(t, []Evaluation{
		{Commit: "c3", Verdict: VerdictBugAbsent},
		{Commit: "c5", Verdict: VerdictBugPresent},
		{Commit: "c4", Verdict: VerdictBugPresent},
	}, res.Trace, "Unexpected evaluation trace")
}

func TestEngineConvergence(t *testing.T) {
	// The boundary must be found for any flip position, within the
	// theoretical call bound.
	for n := 2; n <= 33; n++ {
		for boundary := 1; boundary < n; boundary++ {
			repo := newFakeRepo(n)
			oracle := monotoneOracle(repo, boundary)

			engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: fmt.Sprintf("c%d", n-1)})
			res, err := engine.Run(context.Background())

			require.NoErrorf(t, err, "n=%d boundary=%d", n, boundary)
			assert.Equalf(t, fmt.Sprintf("c%d", boundary), res.Commit, "Wrong boundary for n=%d boundary=%d", n, boundary)
			assert.LessOrEqualf(t, oracle.calls, ceilLog2(n-1)+1, "Too many oracle calls for n=%d boundary=%d", n, boundary)
		}
	}
}

func ceilLog2(n int) int {
	steps := 0
	for upper := 1; upper < n; upper *= 2 {
		steps++
	}
	return steps
}

func TestEngineAdjacentRange(t *testing.T) {
	repo := newFakeRepo(2)
	oracle := &fakeOracle{}

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c1"})
	res, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c1", res.Commit, "Adjacent range must resolve to the new commit")
	assert.Zero(t, oracle.calls, "Adjacent range must not invoke the oracle")
	assert.Empty(t, repo.checkouts, "Adjacent range must not touch the working copy")
}

func TestEngineDirectionFixed(t *testing.T) {
	// Bug present up to c4, fixed from c5 on.
	repo := newFakeRepo(8)
	verdicts := make(map[string]Verdict)
	for i, c := range repo.commits {
		if i < 5 {
			verdicts[c] = VerdictBugPresent
		} else {
			verdicts[c] = VerdictBugAbsent
		}
	}
	oracle := &fakeOracle{verdicts: verdicts}

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7", Direction: DirectionFixed})
	res, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c5", res.Commit, "Wrong fixing commit")
	assert.Equal(t, DirectionFixed, res.Direction)
}

func TestEngineRangeValidation(t *testing.T) {
	repo := newFakeRepo(4)
	oracle := &fakeOracle{}

	t.Run("Unknown commit aborts", func(t *testing.T) {
		engine := NewEngine(repo, oracle, EngineConfig{Old: "nope", New: "c3"})
		_, err := engine.Run(context.Background())

		var unknown *UnknownCommitError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "nope", unknown.Ref)
	})

	t.Run("Reversed range aborts", func(t *testing.T) {
		engine := NewEngine(repo, oracle, EngineConfig{Old: "c3", New: "c0"})
		_, err := engine.Run(context.Background())

		var notAncestor *NotAncestorError
		require.ErrorAs(t, err, &notAncestor)
	})

	assert.Zero(t, oracle.calls, "Validation failures must not invoke the oracle")
}

func TestEngineBoundaryPrecheck(t *testing.T) {
	// The old commit already exhibits the bug, so no single flip can exist.
	repo := newFakeRepo(8)
	verdicts := make(map[string]Verdict)
	for _, c := range repo.commits {
		verdicts[c] = VerdictBugPresent
	}
	oracle := &fakeOracle{verdicts: verdicts}

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7", CheckBoundaries: true})
	_, err := engine.Run(context.Background())

	var nonMonotonic *NonMonotonicHistoryError
	require.ErrorAs(t, err, &nonMonotonic)
	assert.Equal(t, "c0", nonMonotonic.Present, "The old boundary is the contradicting commit")
}

func TestEngineNonMonotonicVerdicts(t *testing.T) {
	// A commit near the old end reports the bug while one near the new end
	// reported it absent: the search must abort, never produce a
	// plausible-looking answer.
	repo := newFakeRepo(8)
	engine := NewEngine(repo, &fakeOracle{}, EngineConfig{Old: "c0", New: "c7"})

	commits, err := repo.Commits("c0", "c7")
	require.NoError(t, err)
	engine.commits = commits
	engine.index = make(map[string]int)
	for i, c := range commits {
		engine.index[c] = i
	}
	engine.low, engine.high = "c0", "c7"

	engine.verdicts["c5"] = VerdictBugAbsent
	require.NoError(t, engine.checkMonotonic("c5", VerdictBugAbsent))

	engine.verdicts["c2"] = VerdictBugPresent
	err = engine.checkMonotonic("c2", VerdictBugPresent)

	var nonMonotonic *NonMonotonicHistoryError
	require.ErrorAs(t, err, &nonMonotonic)
	assert.Equal(t, "c2", nonMonotonic.Present)
	assert.Equal(t, "c5", nonMonotonic.Absent)
}

func TestEngineInconclusiveSubstitute(t *testing.T) {
	// c3 does not build; its lower neighbor c2 answers instead and the
	// search continues until the untestable region blocks it.
	repo := newFakeRepo(8)
	oracle := monotoneOracle(repo, 4)
	oracle.verdicts["c3"] = VerdictInconclusive

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7"})
	_, err := engine.Run(context.Background())

	// With c3 untestable the bracket collapses to [c2, c4] and the boundary
	// cannot be attributed to c3 or c4 with certainty.
	var inconclusive *InconclusiveRegionError
	require.ErrorAs(t, err, &inconclusive)
	assert.Equal(t, "c3", inconclusive.Mid)
	assert.Equal(t, "c2", inconclusive.Low)
	assert.Equal(t, "c4", inconclusive.High)

	// One retry for the inconclusive midpoint, then the cached verdict.
	assert.Equal(t, 2, oracle.perCommit["c3"], "Inconclusive midpoint must be retried exactly once")
}

func TestEngineInconclusiveRegionAborts(t *testing.T) {
	// Midpoint and substitute neighbor both inconclusive: abort with the
	// bracket at the time of failure.
	repo := newFakeRepo(8)
	oracle := monotoneOracle(repo, 4)
	oracle.verdicts["c3"] = VerdictInconclusive
	oracle.verdicts["c2"] = VerdictInconclusive

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7"})
	_, err := engine.Run(context.Background())

	var inconclusive *InconclusiveRegionError
	require.ErrorAs(t, err, &inconclusive)
	assert.Equal(t, "c3", inconclusive.Mid)
	assert.Equal(t, "c0", inconclusive.Low)
	assert.Equal(t, "c7", inconclusive.High)

	assert.Equal(t, 2, oracle.perCommit["c3"])
	assert.Equal(t, 2, oracle.perCommit["c2"])
}

func TestEngineExhausted(t *testing.T) {
	repo := newFakeRepo(16)
	oracle := monotoneOracle(repo, 9)

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c15", MaxSteps: 2})
	_, err := engine.Run(context.Background())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Steps)
	assert.NotEmpty(t, exhausted.Low)
	assert.NotEmpty(t, exhausted.High)
}

func TestEngineCancellation(t *testing.T) {
	repo := newFakeRepo(32)
	ctx, cancel := context.WithCancel(context.Background())

	// The oracle cancels the run after its first answer; the engine must
	// stop at the next iteration boundary.
	oracle := monotoneOracle(repo, 20)
	inner := oracle
	cancelling := OracleFunc(func(ctx context.Context, ref string, repo Repository) (Verdict, error) {
		v, err := inner.Evaluate(ctx, ref, repo)
		cancel()
		return v, err
	})

	engine := NewEngine(repo, cancelling, EngineConfig{Old: "c0", New: "c31"})
	_, err := engine.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls, "Engine must not start another evaluation after cancellation")
}

func TestEngineReusesRecordedVerdicts(t *testing.T) {
	repo := newFakeRepo(8)
	oracle := monotoneOracle(repo, 4)

	engine := NewEngine(repo, oracle, EngineConfig{Old: "c0", New: "c7", CheckBoundaries: true})
	res, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c4", res.Commit)
	for commit, count := range oracle.perCommit {
		assert.Equalf(t, 1, count, "Commit %s was evaluated more than once", commit)
	}
}

func TestMidpointIndex(t *testing.T) {
	values := []struct {
		n   int
		idx int
		ok  bool
	}{
		{0, 0, false},
		{1, 0, false},
		{2, 0, false},
		{3, 1, true},
		{4, 1, true},
		{5, 2, true},
		{8, 3, true},
		{9, 4, true},
	}

	for _, v := range values {
		idx, ok := midpointIndex(v.n)
		assert.Equalf(t, v.ok, ok, "Wrong collapse answer for n=%d", v.n)
		if v.ok {
			assert.Equalf(t, v.idx, idx, "Wrong midpoint index for n=%d", v.n)
		}
	}
}

func TestEngineErrorsAreStructured(t *testing.T) {
	// The CLI branches on error kinds, so they must survive wrapping.
	err := fmt.Errorf("run failed: %w", &ExhaustedError{Steps: 5, Low: "a", High: "b"})
	var exhausted *ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 5, exhausted.Steps)
}
