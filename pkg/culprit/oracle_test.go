package culprit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execRepo is a fakeRepo with a canned command result.
type execRepo struct {
	*fakeRepo

	result ExecResult
	ran    []string
}

func (r *execRepo) RunInWorkingCopy(ctx context.Context, name string, args ...string) (ExecResult, error) {
	r.ran = append(r.ran, append([]string{name}, args...)...)
	return r.result, nil
}

func TestScriptOracle(t *testing.T) {
	values := []struct {
		exitCode int
		verdict  Verdict
	}{
		{0, VerdictBugAbsent},
		{1, VerdictBugPresent},
		{42, VerdictBugPresent},
		{124, VerdictBugPresent},
		{125, VerdictInconclusive},
		{255, VerdictInconclusive},
	}

	for _, v := range values {
		repo := &execRepo{fakeRepo: newFakeRepo(3), result: ExecResult{ExitCode: v.exitCode}}
		oracle := &ScriptOracle{Script: "./repro.sh"}

		verdict, err := oracle.Evaluate(context.Background(), "c1", repo)

		require.NoErrorf(t, err, "exit code %d", v.exitCode)
		assert.Equalf(t, v.verdict, verdict, "Wrong verdict for exit code %d", v.exitCode)
		assert.Contains(t, repo.ran, "./repro.sh", "Script must be passed to the shell")
	}
}

func TestExitStatusVerdict(t *testing.T) {
	assert.Equal(t, VerdictBugAbsent, exitStatusVerdict(0))
	assert.Equal(t, VerdictBugPresent, exitStatusVerdict(1))
	assert.Equal(t, VerdictBugPresent, exitStatusVerdict(124))
	assert.Equal(t, VerdictInconclusive, exitStatusVerdict(125))
	assert.Equal(t, VerdictInconclusive, exitStatusVerdict(137))
	assert.Equal(t, VerdictInconclusive, exitStatusVerdict(-1))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "bug-absent", VerdictBugAbsent.String())
	assert.Equal(t, "bug-present", VerdictBugPresent.String())
	assert.Equal(t, "inconclusive", VerdictInconclusive.String())
}
