package culprit

import (
	"encoding/json"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// A Reporter receives the final verdict of a bisection run for display or
// storage.
type Reporter interface {
	Report(res BugResult) error
}

// LogReporter writes results to a logrus logger, including the per-commit
// verdict trace.
type LogReporter struct {
	Log *logrus.Logger
}

func (r *LogReporter) Report(res BugResult) error {
	log := r.Log.WithField("bug", res.Bug)

	if res.Err != nil {
		log.Errorf("Bisection failed: %v", res.Err)
		return nil
	}

	for _, eval := range res.Result.Trace {
		log.Infof("Evaluated %s: %s", eval.Commit, eval.Verdict)
	}

	what := "Bug introduced by"
	if res.Result.Direction == DirectionFixed {
		what = "Bug fixed by"
	}
	log.Infof("%s commit %s after %d steps", what, res.Result.Commit, res.Result.Steps)
	if res.Info.Message != "" {
		log.Infof("Message: %q, Date: %q, Author: %q", res.Info.Message, res.Info.Date, res.Info.Author)
	}
	return nil
}

type jsonEvaluation struct {
	Commit  string `json:"commit"`
	Verdict string `json:"verdict"`
}

type jsonResult struct {
	Bug string `json:"bug"`

	Commit    string `json:"commit,omitempty"`
	Direction string `json:"direction,omitempty"`
	Low       string `json:"low,omitempty"`
	High      string `json:"high,omitempty"`
	Steps     int    `json:"steps,omitempty"`

	CommitMessage string     `json:"commitMessage,omitempty"`
	CommitAuthor  string     `json:"commitAuthor,omitempty"`
	CommitDate    *time.Time `json:"commitDate,omitempty"`

	Trace []jsonEvaluation `json:"trace,omitempty"`

	Error string `json:"error,omitempty"`
}

// JSONReporter writes one JSON document per result to an io.Writer.
type JSONReporter struct {
	Out io.Writer
}

func (r *JSONReporter) Report(res BugResult) error {
	doc := jsonResult{Bug: res.Bug}

	if res.Err != nil {
		doc.Error = res.Err.Error()
	} else {
		doc.Commit = res.Result.Commit
		doc.Direction = res.Result.Direction.String()
		doc.Low = res.Result.Low
		doc.High = res.Result.High
		doc.Steps = res.Result.Steps

		doc.CommitMessage = res.Info.Message
		doc.CommitAuthor = res.Info.Author
		if !res.Info.Date.IsZero() {
			date := res.Info.Date
			doc.CommitDate = &date
		}

		for _, eval := range res.Result.Trace {
			doc.Trace = append(doc.Trace, jsonEvaluation{Commit: eval.Commit, Verdict: eval.Verdict.String()})
		}
	}

	enc := json.NewEncoder(r.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
