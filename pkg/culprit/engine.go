package culprit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
)

// Direction selects which boundary a search is after.
type Direction int

const (
	// DirectionIntroduced searches for the first commit at which the bug
	// reproduces.
	DirectionIntroduced Direction = iota
	// DirectionFixed searches for the first commit at which the bug no
	// longer reproduces.
	DirectionFixed
)

func (d Direction) String() string {
	if d == DirectionFixed {
		return "fixed"
	}
	return "introduced"
}

// ParseDirection converts the CLI/config spelling of a direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "introduced":
		return DirectionIntroduced, nil
	case "fixed":
		return DirectionFixed, nil
	}
	return DirectionIntroduced, fmt.Errorf("invalid direction %q, want introduced or fixed", s)
}

// Extra steps granted on top of the theoretical ceil(log2(distance)) bound,
// to absorb neighbor substitutions after inconclusive midpoints.
const stepBudgetMargin = 3

// EngineConfig parametrizes a single bisection run.
type EngineConfig struct {
	// Old is the known-good boundary (known-bad for [DirectionFixed]), New
	// the opposite one. Old must be a strict ancestor of New.
	Old string
	New string

	Direction Direction

	// MaxSteps caps the number of search iterations. Zero means
	// ceil(log2(distance)) plus a small margin.
	MaxSteps int

	// InconclusiveRetries is how often an inconclusive oracle answer is
	// retried before the engine substitutes a neighboring commit. Zero means
	// the default of one retry, negative disables retries.
	InconclusiveRetries int

	// CheckBoundaries evaluates both boundary commits up front and aborts
	// early if their verdicts already violate monotonicity. Off by default
	// since it costs two extra oracle runs.
	CheckBoundaries bool

	Log *logrus.Logger
}

type phase int

const (
	phaseValidating phase = iota
	phaseSearching
	phaseResolved
	phaseExhausted
	phaseAborted
)

func (p phase) String() string {
	switch p {
	case phaseValidating:
		return "validating"
	case phaseSearching:
		return "searching"
	case phaseResolved:
		return "resolved"
	case phaseExhausted:
		return "exhausted"
	default:
		return "aborted"
	}
}

// An Evaluation is one recorded oracle answer, in the order they happened.
type Evaluation struct {
	Commit  string
	Verdict Verdict
}

// Result is the terminal output of a successful search.
type Result struct {
	// Commit is the boundary commit: the first bad commit for
	// [DirectionIntroduced], the first commit without the bug for
	// [DirectionFixed].
	Commit string

	Direction Direction

	// Low and High are the final bracket; High == Commit.
	Low  string
	High string

	// Steps is the number of search iterations the run took.
	Steps int

	// Trace is the commit-by-commit verdict log of the run.
	Trace []Evaluation
}

// An Engine narrows a commit range to the single commit at which the
// oracle's verdict flips. It borrows the repository handle and the oracle
// from the caller and owns only its own search state, so one handle/oracle
// pair can be reused across sequential runs. An engine is good for exactly
// one Run.
type Engine struct {
	repo   Repository
	oracle Oracle
	cfg    EngineConfig

	phase phase

	low, high string
	index     map[string]int
	commits   []string
	verdicts  map[string]Verdict
	trace     []Evaluation
	steps     int

	log *logrus.Entry
}

// NewEngine creates an engine for one bisection run over repo using oracle.
func NewEngine(repo Repository, oracle Oracle, cfg EngineConfig) *Engine {
	if cfg.InconclusiveRetries == 0 {
		cfg.InconclusiveRetries = 1
	} else if cfg.InconclusiveRetries < 0 {
		cfg.InconclusiveRetries = 0
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	return &Engine{
		repo:     repo,
		oracle:   oracle,
		cfg:      cfg,
		phase:    phaseValidating,
		verdicts: make(map[string]Verdict),
		log:      log.WithField("component", "engine"),
	}
}

// Run executes the search to completion. On success the returned result
// names the boundary commit; on failure the returned error is one of the
// tagged types in errors.go and carries the last valid bracket. The context
// is honored at every iteration boundary, before the next checkout; a
// running oracle call is bounded by the oracle's own timeout handling.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res, err := e.run(ctx)
	if err != nil {
		if e.phase == phaseSearching || e.phase == phaseValidating {
			e.phase = phaseAborted
		}
		e.log.WithField("phase", e.phase).Warnf("Bisection failed: %v", err)
		return nil, err
	}
	e.log.WithField("phase", e.phase).Infof("Bisection resolved to %s after %d steps", res.Commit, res.Steps)
	return res, nil
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	if err := ValidateRange(e.repo, e.cfg.Old, e.cfg.New); err != nil {
		return nil, err
	}

	commits, err := e.repo.Commits(e.cfg.Old, e.cfg.New)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits between %s and %s: %w", e.cfg.Old, e.cfg.New, err)
	}
	e.commits = commits
	e.index = make(map[string]int, len(commits))
	for i, c := range commits {
		e.index[c] = i
	}

	// Work on resolved hashes from here on so the verdict map has one key
	// per commit even when the boundaries were given symbolically.
	e.low, e.high = commits[0], commits[len(commits)-1]

	distance := len(commits) - 1
	budget := e.cfg.MaxSteps
	if budget <= 0 {
		budget = int(math.Ceil(math.Log2(float64(distance)))) + stepBudgetMargin
	}
	e.log.Infof("Bisecting %d commits between %s and %s, direction %s, step budget %d",
		distance, e.low, e.high, e.cfg.Direction, budget)

	if e.cfg.CheckBoundaries {
		if err := e.checkBoundaries(ctx); err != nil {
			return nil, err
		}
	}

	e.phase = phaseSearching
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mid, err := e.repo.Midpoint(e.low, e.high)
		var empty *EmptyRangeError
		if errors.As(err, &empty) {
			e.phase = phaseResolved
			return &Result{
				Commit:    e.high,
				Direction: e.cfg.Direction,
				Low:       e.low,
				High:      e.high,
				Steps:     e.steps,
				Trace:     e.trace,
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to compute midpoint of [%s, %s]: %w", e.low, e.high, err)
		}

		e.steps++
		if e.steps > budget {
			e.phase = phaseExhausted
			return nil, &ExhaustedError{Steps: budget, Low: e.low, High: e.high}
		}

		verdict, err := e.evaluate(ctx, mid)
		if err != nil {
			return nil, err
		}

		if verdict == VerdictInconclusive {
			// One substitution toward low, then give up rather than guess.
			mid, verdict, err = e.substitute(ctx, mid)
			if err != nil {
				return nil, err
			}
		}

		if err := e.checkMonotonic(mid, verdict); err != nil {
			return nil, err
		}

		if e.narrowsHigh(verdict) {
			e.high = mid
		} else {
			e.low = mid
		}
		e.log.Debugf("Narrowed bracket to [%s, %s]", e.low, e.high)
	}
}

// narrowsHigh reports whether a verdict moves the high boundary down, i.e.
// the flip the search is after lies at or below the evaluated commit.
func (e *Engine) narrowsHigh(v Verdict) bool {
	if e.cfg.Direction == DirectionFixed {
		return v == VerdictBugAbsent
	}
	return v == VerdictBugPresent
}

// evaluate returns the verdict for ref, reusing a recorded one if present,
// otherwise checking out the commit and asking the oracle, retrying
// inconclusive answers up to the configured count. Hard oracle errors are
// treated as inconclusive attempts per the transient-error policy.
func (e *Engine) evaluate(ctx context.Context, ref string) (Verdict, error) {
	if v, ok := e.verdicts[ref]; ok {
		e.log.Debugf("Reusing recorded verdict %s for %s", v, ref)
		return v, nil
	}

	if err := e.repo.Checkout(ref); err != nil {
		return VerdictInconclusive, err
	}

	attempts := e.cfg.InconclusiveRetries + 1
	verdict := VerdictInconclusive
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return VerdictInconclusive, err
		}
		v, err := e.oracle.Evaluate(ctx, ref, e.repo)
		if err != nil {
			e.log.Warnf("Oracle failed on %s, treating as inconclusive: %v", ref, err)
			v = VerdictInconclusive
		}
		verdict = v
		if verdict != VerdictInconclusive {
			break
		}
		if i < attempts-1 {
			e.log.Infof("Oracle inconclusive on %s, retrying (%d/%d)", ref, i+1, attempts-1)
		}
	}

	e.verdicts[ref] = verdict
	e.trace = append(e.trace, Evaluation{Commit: ref, Verdict: verdict})
	e.log.Infof("Commit %s: %s", ref, verdict)
	return verdict, nil
}

// substitute handles a midpoint that stayed inconclusive through its
// retries: the neighbor one step toward low is evaluated instead, once. If
// that also fails to produce an answer, the whole region is declared
// inconclusive.
func (e *Engine) substitute(ctx context.Context, mid string) (string, Verdict, error) {
	nIdx := e.index[mid] - 1
	if nIdx <= e.index[e.low] {
		return "", VerdictInconclusive, &InconclusiveRegionError{Mid: mid, Low: e.low, High: e.high}
	}
	neighbor := e.commits[nIdx]

	e.log.Infof("Midpoint %s inconclusive, substituting neighbor %s", mid, neighbor)
	verdict, err := e.evaluate(ctx, neighbor)
	if err != nil {
		return "", VerdictInconclusive, err
	}
	if verdict == VerdictInconclusive {
		return "", VerdictInconclusive, &InconclusiveRegionError{Mid: mid, Low: e.low, High: e.high}
	}
	return neighbor, verdict, nil
}

// checkBoundaries evaluates both boundary commits once up front and fails
// fast if the range cannot contain a single flip, e.g. the old commit
// already exhibits the bug.
func (e *Engine) checkBoundaries(ctx context.Context) error {
	for _, boundary := range []string{e.low, e.high} {
		verdict, err := e.evaluate(ctx, boundary)
		if err != nil {
			return err
		}
		if verdict == VerdictInconclusive {
			return &InconclusiveRegionError{Mid: boundary, Low: e.low, High: e.high}
		}
		wantHighSide := boundary == e.high
		if e.narrowsHigh(verdict) != wantHighSide {
			nonMono := &NonMonotonicHistoryError{Low: e.low, High: e.high}
			if verdict == VerdictBugPresent {
				nonMono.Present = boundary
			} else {
				nonMono.Absent = boundary
			}
			return nonMono
		}
	}
	return nil
}

// checkMonotonic verifies the newly recorded verdict against every earlier
// one: a high-side verdict below a low-side verdict means the bug state
// does not flip exactly once and automatic search cannot proceed.
func (e *Engine) checkMonotonic(ref string, verdict Verdict) error {
	if verdict == VerdictInconclusive {
		return nil
	}
	i := e.index[ref]

	for other, ov := range e.verdicts {
		if other == ref || ov == VerdictInconclusive {
			continue
		}
		j := e.index[other]
		if e.narrowsHigh(verdict) == e.narrowsHigh(ov) {
			continue
		}

		hiRef, hiIdx, loRef, loIdx := ref, i, other, j
		if !e.narrowsHigh(verdict) {
			hiRef, hiIdx, loRef, loIdx = other, j, ref, i
		}
		if hiIdx < loIdx {
			nonMono := &NonMonotonicHistoryError{Low: e.low, High: e.high}
			if e.verdicts[hiRef] == VerdictBugPresent {
				nonMono.Present, nonMono.Absent = hiRef, loRef
			} else {
				nonMono.Present, nonMono.Absent = loRef, hiRef
			}
			return nonMono
		}
	}
	return nil
}
