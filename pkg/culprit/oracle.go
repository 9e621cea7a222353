package culprit

import (
	"context"
	"fmt"
	"time"
)

// Verdict is the oracle's judgment for one commit.
type Verdict int

const (
	// VerdictInconclusive means the oracle could not build or run the commit
	// and has no opinion on the bug. It is explicitly not the same as the
	// bug being absent.
	VerdictInconclusive Verdict = iota
	// VerdictBugAbsent means the bug did not reproduce at the commit.
	VerdictBugAbsent
	// VerdictBugPresent means the bug reproduced at the commit.
	VerdictBugPresent
)

func (v Verdict) String() string {
	switch v {
	case VerdictBugAbsent:
		return "bug-absent"
	case VerdictBugPresent:
		return "bug-present"
	default:
		return "inconclusive"
	}
}

// An Oracle decides whether the commit currently checked out in the working
// copy exhibits the bug under search. Implementations must be deterministic
// for a fixed commit, idempotent, and must not move the working copy off the
// commit the engine checked out. Build failures, timeouts and infra flakes
// map to [VerdictInconclusive], never to [VerdictBugAbsent].
type Oracle interface {
	Evaluate(ctx context.Context, ref string, repo Repository) (Verdict, error)
}

// OracleFunc adapts a plain function to the [Oracle] interface.
type OracleFunc func(ctx context.Context, ref string, repo Repository) (Verdict, error)

func (f OracleFunc) Evaluate(ctx context.Context, ref string, repo Repository) (Verdict, error) {
	return f(ctx, ref, repo)
}

// ScriptOracle reproduces a bug by running a shell script inside the
// working copy. The exit status follows the git-bisect convention: 0 means
// the bug is absent, 1 through 124 mean it is present, and everything else
// (including a hit timeout) is inconclusive.
type ScriptOracle struct {
	// Script is passed to `sh -c` with the working copy as current
	// directory.
	Script string

	// Timeout bounds one reproduction attempt. Zero means no limit beyond
	// the caller's context.
	Timeout time.Duration
}

func (o *ScriptOracle) Evaluate(ctx context.Context, ref string, repo Repository) (Verdict, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	res, err := repo.RunInWorkingCopy(ctx, "sh", "-c", o.Script)
	if err != nil {
		return VerdictInconclusive, fmt.Errorf("reproduction script failed to run at %s: %w", ref, err)
	}
	if ctx.Err() != nil {
		// Timed out mid-run, the exit status is meaningless.
		return VerdictInconclusive, nil
	}

	switch {
	case res.ExitCode == 0:
		return VerdictBugAbsent, nil
	case res.ExitCode >= 1 && res.ExitCode <= 124:
		return VerdictBugPresent, nil
	default:
		return VerdictInconclusive, nil
	}
}
