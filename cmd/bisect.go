package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/culpritdev/culprit/pkg/culprit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var bisectFlags struct {
	project     string
	projectsDir string
	repository  string

	commitOld string
	commitNew string

	bug    string
	script string

	direction string
	maxSteps  int

	jsonOut bool
}

var bisectCmd = &cobra.Command{
	Use:   "bisect [job.yml]",
	Short: "Bisect the commit range of a job to the commit that introduced (or fixed) a bug",
	Long: `Bisect the commit range of a job to the commit that introduced (or fixed) a bug.

The job is usually described by a job.yml naming the repository, the commit
range and how each bug is built and reproduced; all of it can be overridden
(or, for simple script-reproducible bugs, fully replaced) by flags. Without
a repository URL, the URL is inferred from the project's Dockerfile.

Exit codes: 0 when the boundary commit was found, 2 for an invalid commit
range, 3 when an inconclusive region stopped the search, 4 when the oracle's
answers were not monotonic, 5 when the step budget ran out, and 1 for any
setup failure.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job := &culprit.Job{InconclusiveRetries: 1}
		if len(args) == 1 {
			file, err := os.Open(args[0])
			if err != nil {
				logrus.Fatalf("Failed to open job yaml - %v", err)
			}
			job, err = culprit.GetJobFromConfig(file)
			file.Close()
			if err != nil {
				logrus.Fatalf("Failed to read job config from yaml - %v", err)
			}
		}

		applyOverrides(job)
		job.Log = newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		results, err := job.Run(ctx)
		if err != nil {
			logrus.Errorf("Failed to run job - %v", err)
			os.Exit(exitCode(err))
		}

		var reporter culprit.Reporter
		if bisectFlags.jsonOut {
			reporter = &culprit.JSONReporter{Out: os.Stdout}
		} else {
			log := logrus.New()
			log.SetLevel(logrus.InfoLevel)
			reporter = &culprit.LogReporter{Log: log}
		}

		code := 0
		for _, res := range results {
			if err := reporter.Report(res); err != nil {
				logrus.Errorf("Failed to report result for bug %s - %v", res.Bug, err)
			}
			if res.Err != nil && code == 0 {
				code = exitCode(res.Err)
			}
		}
		os.Exit(code)
	},
}

// applyOverrides folds the command line flags into the job.
func applyOverrides(job *culprit.Job) {
	if bisectFlags.project != "" {
		job.Project = bisectFlags.project
	}
	if bisectFlags.projectsDir != "" {
		job.ProjectsDir = bisectFlags.projectsDir
	}
	if bisectFlags.repository != "" {
		job.Repository = bisectFlags.repository
	}
	if bisectFlags.commitOld != "" {
		job.OldCommit = bisectFlags.commitOld
	}
	if bisectFlags.commitNew != "" {
		job.NewCommit = bisectFlags.commitNew
	}
	if bisectFlags.direction != "" {
		direction, err := culprit.ParseDirection(bisectFlags.direction)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		job.Direction = direction
	}
	if bisectFlags.maxSteps > 0 {
		job.MaxSteps = bisectFlags.maxSteps
	}

	if bisectFlags.script != "" {
		// Script-reproducible bug, no container build needed.
		job.Oracle = &culprit.ScriptOracle{Script: bisectFlags.script, Timeout: job.Timeout}
		if len(job.Bugs) == 0 {
			id := bisectFlags.bug
			if id == "" {
				id = "bug"
			}
			job.Bugs = []culprit.BugSpec{{ID: id, Script: bisectFlags.script}}
			return
		}
	}

	if bisectFlags.bug != "" {
		var bugs []culprit.BugSpec
		for _, bug := range job.Bugs {
			if bug.ID == bisectFlags.bug {
				bugs = append(bugs, bug)
			}
		}
		if len(bugs) == 0 {
			logrus.Fatalf("No bug with id %s in job config", bisectFlags.bug)
		}
		job.Bugs = bugs
	}
}

// exitCode maps the structured failure taxonomy to distinct exit codes.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var unknownCommit *culprit.UnknownCommitError
	var notAncestor *culprit.NotAncestorError
	var inconclusive *culprit.InconclusiveRegionError
	var nonMonotonic *culprit.NonMonotonicHistoryError
	var exhausted *culprit.ExhaustedError

	switch {
	case errors.As(err, &unknownCommit), errors.As(err, &notAncestor):
		return 2
	case errors.As(err, &inconclusive):
		return 3
	case errors.As(err, &nonMonotonic):
		return 4
	case errors.As(err, &exhausted):
		return 5
	}
	return 1
}

func init() {
	rootCmd.AddCommand(bisectCmd)

	bisectCmd.Flags().StringVar(&bisectFlags.project, "project", "", "The name of the project in which the bug occurred")
	bisectCmd.Flags().StringVar(&bisectFlags.projectsDir, "projects-dir", "", "The directory holding per-project build configuration")
	bisectCmd.Flags().StringVar(&bisectFlags.repository, "repository", "", "The repository URL, inferred from the project's Dockerfile if empty")
	bisectCmd.Flags().StringVar(&bisectFlags.commitOld, "commit-old", "", "The old boundary commit of the search range")
	bisectCmd.Flags().StringVar(&bisectFlags.commitNew, "commit-new", "", "The new boundary commit of the search range")
	bisectCmd.Flags().StringVar(&bisectFlags.bug, "bug", "", "The bug to search for, selecting among the job's configured bugs")
	bisectCmd.Flags().StringVar(&bisectFlags.script, "script", "", "Reproduction script run in the working copy instead of a container build")
	bisectCmd.Flags().StringVar(&bisectFlags.direction, "direction", "", "Whether to search for where the bug was introduced or fixed")
	bisectCmd.Flags().IntVar(&bisectFlags.maxSteps, "max-steps", 0, "Cap on search iterations, 0 for the log2 default")
	bisectCmd.Flags().BoolVar(&bisectFlags.jsonOut, "json", false, "Print results as JSON instead of log lines")
}
