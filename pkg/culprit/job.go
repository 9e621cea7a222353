package culprit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

type jobYaml struct {
	Project     string `yaml:"project"`
	ProjectsDir string `yaml:"projectsDir" default:"projects"`
	Repository  string `yaml:"repository"`

	OldCommit string `yaml:"oldCommit"`
	NewCommit string `yaml:"newCommit"`

	Direction string `yaml:"direction"`

	MaxSteps            int  `yaml:"maxSteps"`
	InconclusiveRetries *int `yaml:"inconclusiveRetries"`
	CheckBoundaries     bool `yaml:"checkBoundaries"`

	Dockerfile     string `yaml:"dockerfile"`
	DockerfilePath string `yaml:"dockerfilePath"`

	Timeout time.Duration `yaml:"timeout"`

	Port  int   `yaml:"port"`
	Ports []int `yaml:"ports"`

	Readiness []probeYaml `yaml:"readiness"`

	Bugs []bugYaml `yaml:"bugs"`

	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
}

type bugYaml struct {
	ID     string `yaml:"id"`
	Script string `yaml:"script"`
}

// A BugSpec names one bug to bisect and the script that reproduces it.
type BugSpec struct {
	ID     string // Identifier of the bug, used in reports
	Script string // Reproduction script, exit status per the git-bisect convention
}

// A Job bundles everything needed to bisect one or more bugs of a single
// project: where the repository lives, the commit range, how commits are
// built and how each bug is reproduced. It is the blueprint from which
// handle, oracle and engine are assembled per bug.
type Job struct {
	Project     string // Project name, used to infer the repository URL if Repository is empty
	ProjectsDir string // Directory holding per-project build configuration
	Repository  string // The repository URL

	OldCommit string // The old boundary commit of the search range
	NewCommit string // The new boundary commit of the search range

	Direction Direction

	MaxSteps            int
	InconclusiveRetries int
	CheckBoundaries     bool

	Dockerfile     string // The contents of the dockerfile
	DockerfilePath string // The path to the dockerfile, used if Dockerfile is empty

	Timeout time.Duration // Bound on one reproduction attempt

	Ports     []int   // The ports the system under test needs, empty for one-shot reproductions
	Readiness []Probe // Readiness probes run before each reproduction

	Bugs []BugSpec // The bugs to bisect; each gets its own forked handle and engine run

	// Oracle overrides the docker oracle for every bug when set, e.g. with
	// an interactive oracle.
	Oracle Oracle

	// MaxConcurrentRuns caps how many bisections run at once, 0 for no
	// limit. Each run owns a full copy of the clone, so this also caps disk
	// usage.
	MaxConcurrentRuns int

	Log *logrus.Logger
}

// GetJobFromConfig reads a job config in yaml format from a reader and
// initializes the corresponding job struct.
func GetJobFromConfig(r io.Reader) (*Job, error) {
	var config jobYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	direction, err := ParseDirection(config.Direction)
	if err != nil {
		return nil, err
	}

	job := Job{
		Project:     config.Project,
		ProjectsDir: config.ProjectsDir,
		Repository:  config.Repository,

		OldCommit: config.OldCommit,
		NewCommit: config.NewCommit,

		Direction: direction,

		MaxSteps:            config.MaxSteps,
		InconclusiveRetries: 1,
		CheckBoundaries:     config.CheckBoundaries,

		Dockerfile:     config.Dockerfile,
		DockerfilePath: config.DockerfilePath,

		Timeout: config.Timeout * time.Millisecond,

		MaxConcurrentRuns: config.MaxConcurrentRuns,
	}
	if config.InconclusiveRetries != nil {
		job.InconclusiveRetries = *config.InconclusiveRetries
		if job.InconclusiveRetries == 0 {
			// Explicitly configured zero means no retries at all.
			job.InconclusiveRetries = -1
		}
	}

	job.Ports = config.Ports
	if config.Port != 0 {
		job.Ports = []int{config.Port}
	}

	checkTypes := map[string]ProbeType{
		"http":   HttpGet200,
		"script": Script,
	}
	for _, check := range config.Readiness {
		if err := defaults.Set(&check); err != nil {
			return nil, err
		}
		checkType, ok := checkTypes[strings.ToLower(check.Type)]
		if !ok {
			return nil, fmt.Errorf("invalid check type supplied for readiness probe %s", check.Type)
		}

		job.Readiness = append(job.Readiness, Probe{
			Port:      check.Port,
			CheckType: checkType,

			Data: check.Data,
			Config: ProbeConfig{
				Retries: check.Retries,

				Backoff: check.Backoff * time.Millisecond,

				BackoffIncrement: check.BackoffIncrement * time.Millisecond,
				MaxBackoff:       check.MaxBackoff * time.Millisecond,
			},
		})
	}

	for _, bug := range config.Bugs {
		job.Bugs = append(job.Bugs, BugSpec(bug))
	}

	return &job, nil
}

// A BugResult is the outcome of bisecting one bug of a job. Either Result
// and Info are set, or Err carries one of the tagged failure types.
type BugResult struct {
	Bug string

	Result *Result
	Info   CommitInfo

	Err error
}

// Run bisects every bug of the job. The base clone is created once; each
// bug then runs on its own forked working copy so concurrent searches never
// share a checkout. Setup failures (URL resolution, clone) abort the whole
// job; per-bug search failures are reported in the corresponding
// [BugResult].
func (j *Job) Run(ctx context.Context) ([]BugResult, error) {
	if j.Log == nil {
		// Mute logger
		j.Log = logrus.New()
		j.Log.SetOutput(io.Discard)
	}
	if len(j.Bugs) == 0 {
		return nil, fmt.Errorf("job has no bugs to bisect")
	}

	if j.Repository == "" {
		j.Log.Infof("Inferring repository URL for project %s...", j.Project)
		url, err := ResolveRepositoryURL(j.ProjectsDir, j.Project)
		if err != nil {
			return nil, err
		}
		j.Repository = url
		j.Log.Infof("Inferred repository URL %s", url)
	}

	j.Log.Info("Cloning initial repository...")
	base, err := Clone(j.Repository, "", j.Log)
	if err != nil {
		return nil, err
	}
	defer base.Close()

	maxRuns := j.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = len(j.Bugs)
	}
	sem := semaphore.NewWeighted(int64(maxRuns))

	results := make([]BugResult, len(j.Bugs))
	var wg sync.WaitGroup
	for i, bug := range j.Bugs {
		wg.Add(1)
		go func(i int, bug BugSpec) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BugResult{Bug: bug.ID, Err: err}
				return
			}
			defer sem.Release(1)
			results[i] = j.runBug(ctx, base, bug)
		}(i, bug)
	}
	wg.Wait()

	return results, nil
}

// runBug bisects a single bug on a fork of the base clone.
func (j *Job) runBug(ctx context.Context, base *Handle, bug BugSpec) BugResult {
	log := j.Log.WithField("bug", bug.ID)

	handle, err := base.Fork()
	if err != nil {
		return BugResult{Bug: bug.ID, Err: fmt.Errorf("failed to fork clone: %w", err)}
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Warnf("Failed to remove working copy %s: %v", handle.Root(), err)
		}
	}()

	oracle := j.Oracle
	if oracle == nil {
		oracle = &DockerOracle{
			Dockerfile:     j.Dockerfile,
			DockerfilePath: j.DockerfilePath,

			Script:  bug.Script,
			Timeout: j.Timeout,

			Ports:  j.Ports,
			Probes: j.Readiness,

			Log: j.Log,
		}
	}

	engine := NewEngine(handle, oracle, EngineConfig{
		Old:       j.OldCommit,
		New:       j.NewCommit,
		Direction: j.Direction,

		MaxSteps:            j.MaxSteps,
		InconclusiveRetries: j.InconclusiveRetries,
		CheckBoundaries:     j.CheckBoundaries,

		Log: j.Log,
	})

	result, err := engine.Run(ctx)
	if err != nil {
		return BugResult{Bug: bug.ID, Err: err}
	}

	info, err := handle.CommitInfo(result.Commit)
	if err != nil {
		log.Warnf("Couldn't get boundary commit info: %v", err)
		info = CommitInfo{Hash: result.Commit}
	}

	return BugResult{Bug: bug.ID, Result: result, Info: info}
}
