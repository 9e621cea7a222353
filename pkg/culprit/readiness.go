package culprit

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

type probeYaml struct {
	Port int    `yaml:"port"`
	Type string `yaml:"type"`

	Data string `yaml:"data"`

	Retries int `yaml:"retries" default:"10"`

	Backoff          time.Duration `yaml:"backoff" default:"1000"`
	BackoffIncrement time.Duration `yaml:"backoffIncrement" default:"100"`
	MaxBackoff       time.Duration `yaml:"maxBackoff" default:"2000"`
}

// ProbeConfig provides configuration for readiness probes, such as the
// amount of retries or backoff duration.
type ProbeConfig struct {
	Retries int // How many times this probe should be retried until it is considered to have failed

	Backoff time.Duration // How long to wait between each probe retry

	BackoffIncrement time.Duration // By how much to increment the backoff on each failed attempt
	MaxBackoff       time.Duration // The maximum duration the backoff may reach after incrementing
}

// ProbeType selects how a readiness probe decides that the system under
// test is up.
type ProbeType int

const (
	// HttpGet200 sends a single HTTP GET request to the mapped port. Data
	// holds the path the request is sent to.
	HttpGet200 ProbeType = iota
	// Script runs the Data field through `sh -c` with the port mapping
	// exposed as PORT<n> environment variables. Exit status zero means
	// ready.
	Script
)

// A Probe checks that the reproduction target at a checked-out commit is
// ready to be tested, so start-up time is not mistaken for the bug.
type Probe struct {
	Port      int       // The container port on which the probe operates
	CheckType ProbeType // The type of check to perform

	Data   string      // Check-type specific data
	Config ProbeConfig // Retry and backoff behavior
}

// perform runs the probe against the given container-to-host port mapping,
// retrying with incremental backoff. If the probe never succeeds, the
// returned bool is false and the error carries the last failure, which may
// be nil for clean negative answers.
func (p Probe) perform(ctx context.Context, ports map[int]int, log *logrus.Entry) (bool, error) {
	var lastSuccess bool
	var lastError error

	backoffDuration := p.Config.Backoff
	for i := 0; i < p.Config.Retries; i++ {
		lastSuccess, lastError = p.performSingle(ctx, ports)
		if lastSuccess {
			return true, nil
		}
		log.Debugf("Probe on port %d not ready (attempt %d/%d)", p.Port, i+1, p.Config.Retries)

		if i != p.Config.Retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoffDuration):
			}
			backoffDuration += p.Config.BackoffIncrement
			if backoffDuration > p.Config.MaxBackoff {
				backoffDuration = p.Config.MaxBackoff
			}
		}
	}

	return lastSuccess, lastError
}

// performSingle runs one attempt of the probe.
func (p Probe) performSingle(ctx context.Context, ports map[int]int) (bool, error) {
	switch p.CheckType {
	case HttpGet200:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d%s", ports[p.Port], p.Data), nil)
		if err != nil {
			return false, err
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return false, err
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK, nil
	case Script:
		cmd := exec.CommandContext(ctx, "sh", "-c", p.Data)
		cmd.Env = os.Environ()
		for port, hostPort := range ports {
			cmd.Env = append(cmd.Env, fmt.Sprintf("PORT%d=%d", port, hostPort))
		}
		return cmd.Run() == nil, nil
	default:
		return false, fmt.Errorf("unknown probe type %d", p.CheckType)
	}
}
