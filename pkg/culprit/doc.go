/*
Package culprit locates, via binary search over a project's commit history,
the commit that introduced a regression, or the one that fixed it.

The package is built from a handful of small parts. A [Handle] owns one full
local clone of the project and answers ancestry queries, performs checkouts
and runs commands inside the working copy. An [Oracle] judges whether the
commit currently checked out exhibits the bug, answering one of the three
[Verdict] values; [DockerOracle] is the production implementation, building
an image from the working copy and running a reproduction against it, while
[ScriptOracle] simply runs a script. The [Engine] drives the search: it
validates the commit range, repeatedly checks out the midpoint of the
remaining bracket, records the oracle's verdict and narrows the bracket
until only the boundary commit is left.

The simplest entry point is a [Job], most easily created by passing a yaml
config to [GetJobFromConfig]. A job may name several bugs; each one is
bisected on its own forked working copy:

	job, err := culprit.GetJobFromConfig(file)
	// handle err
	results, err := job.Run(ctx)

Failures are structured: range problems surface as [UnknownCommitError] or
[NotAncestorError], search problems as [InconclusiveRegionError],
[NonMonotonicHistoryError] or [ExhaustedError], each carrying the last valid
bracket so a search can be resumed by hand.
*/
package culprit
