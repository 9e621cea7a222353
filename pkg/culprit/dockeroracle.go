package culprit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	_ "crypto/sha1"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// Label attached to every image and container this module creates, so the
// clean command can find them again.
const dockerLabel = "culprit"

// DockerOracle evaluates commits by building a docker image from the
// checked-out working copy and running a reproduction procedure against it.
// With no Ports configured, the container itself is the reproduction: it is
// run to completion and its exit status is the verdict. With Ports
// configured, the container is treated as a long-running system under test:
// it is started, waited for via the readiness Probes, and the Script is run
// on the host with the port mapping exported as PORT<n> variables.
//
// Build failures, startup failures and timeouts all map to
// [VerdictInconclusive]. Images are cached per commit and dockerfile digest
// across a run, so retries and re-evaluations do not rebuild.
type DockerOracle struct {
	Dockerfile     string // The contents of the dockerfile
	DockerfilePath string // The path to the dockerfile, used if Dockerfile is empty

	Script  string        // Host-side reproduction script, service mode only
	Timeout time.Duration // Bound on one container run or reproduction script

	Ports  []int   // Container ports the system under test needs
	Probes []Probe // Readiness probes run before the reproduction script

	Log *logrus.Logger

	initOnce sync.Once
	initErr  error

	dockerfileString string
	dockerfileHash   string

	mu          sync.Mutex
	builtImages map[string]bool
	brokenBuild map[string]bool

	log *logrus.Entry
}

func (o *DockerOracle) init() {
	log := o.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	o.log = log.WithField("component", "docker-oracle")

	o.dockerfileString = o.Dockerfile
	if o.dockerfileString == "" {
		file, err := os.ReadFile(o.DockerfilePath)
		if err != nil {
			o.initErr = fmt.Errorf("failed to read dockerfile at %s: %w", o.DockerfilePath, err)
			return
		}
		o.dockerfileString = string(file)
	}
	o.dockerfileHash = digest.FromString(o.dockerfileString).Encoded()

	o.builtImages = make(map[string]bool)
	o.brokenBuild = make(map[string]bool)

	// Prefill the image cache with what earlier runs left behind.
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		o.initErr = errors.Join(fmt.Errorf("failed to create docker client"), err)
		return
	}
	defer cli.Close()

	images, err := cli.ImageList(context.Background(), image.ListOptions{
		Filters: filters.NewArgs(filters.KeyValuePair{Key: "label", Value: dockerLabel + "=1"}),
	})
	if err != nil {
		o.initErr = errors.Join(fmt.Errorf("failed to list docker images"), err)
		return
	}
	for _, img := range images {
		if len(img.RepoTags) == 1 {
			o.builtImages[img.RepoTags[0]] = true
		}
	}
}

// imageOf returns the name with tag of the docker image built for the
// passed commit under the current dockerfile.
func (o *DockerOracle) imageOf(commit string) string {
	return fmt.Sprintf("culprit-%s:%s", commit, o.dockerfileHash)
}

func (o *DockerOracle) Evaluate(ctx context.Context, ref string, repo Repository) (Verdict, error) {
	o.initOnce.Do(o.init)
	if o.initErr != nil {
		return VerdictInconclusive, o.initErr
	}

	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return VerdictInconclusive, errors.Join(fmt.Errorf("failed to create docker client"), err)
	}
	defer apiClient.Close()

	imageName, ok := o.buildImage(ctx, apiClient, ref, repo)
	if !ok {
		// A commit that doesn't build has no verdict.
		return VerdictInconclusive, nil
	}

	if len(o.Ports) == 0 {
		return o.runOneShot(ctx, apiClient, imageName, ref)
	}
	return o.runService(ctx, apiClient, imageName, ref, repo)
}

// buildImage ensures the image for ref exists, building it from the working
// copy if needed. The bool result is false if the commit is known not to
// build.
func (o *DockerOracle) buildImage(ctx context.Context, apiClient *client.Client, ref string, repo Repository) (string, bool) {
	imageName := o.imageOf(ref)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.brokenBuild[imageName] {
		o.log.Warnf("Image for commit %s known to be broken, skipping build", ref)
		return imageName, false
	}
	if o.builtImages[imageName] {
		o.log.Infof("Image %s of commit %s already built, reusing image", imageName, ref)
		return imageName, true
	}

	o.log.Infof("Building image %s of commit %s", imageName, ref)
	os.WriteFile(path.Join(repo.Root(), "Dockerfile"), []byte(o.dockerfileString), 0777)
	buildCtx, err := archive.TarWithOptions(repo.Root(), &archive.TarOptions{})
	if err != nil {
		o.log.Warnf("Tar creation of build context for commit %s failed: %v", ref, err)
		o.brokenBuild[imageName] = true
		return imageName, false
	}
	buildRes, err := apiClient.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		ForceRemove: true,
		Labels:      map[string]string{dockerLabel: "1"},
	})
	if err != nil {
		o.log.Warnf("Image build of %s for commit %s failed: %v", imageName, ref, err)
		o.brokenBuild[imageName] = true
		return imageName, false
	}
	out, err := io.ReadAll(buildRes.Body)
	buildRes.Body.Close()
	if err != nil {
		o.log.Warnf("Reading build output of %s failed: %v", imageName, err)
		o.brokenBuild[imageName] = true
		return imageName, false
	}
	o.log.Tracef("Image build output:\n%s", out)

	// The build stream ends in an error-detail message when the build failed.
	strOut := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if strings.HasPrefix(strOut[len(strOut)-1], `{"errorDetail"`) {
		o.log.Warnf("Image build of %s for commit %s failed. Build output: %s", imageName, ref, out)
		o.brokenBuild[imageName] = true
		return imageName, false
	}

	o.builtImages[imageName] = true
	return imageName, true
}

// runOneShot runs the reproduction container to completion and maps its
// exit status to a verdict using the git-bisect convention.
func (o *DockerOracle) runOneShot(ctx context.Context, apiClient *client.Client, imageName, ref string) (Verdict, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	containerName := "culprit-" + uniuri.New()
	resp, err := apiClient.ContainerCreate(ctx, &container.Config{
		Image:  imageName,
		Labels: map[string]string{dockerLabel: "1"},
	}, &container.HostConfig{}, nil, nil, containerName)
	if err != nil {
		return VerdictInconclusive, errors.Join(fmt.Errorf("container creation of image %s failed", imageName), err)
	}
	defer apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return VerdictInconclusive, errors.Join(fmt.Errorf("container start of image %s failed", imageName), err)
	}
	o.log.Infof("Started reproduction container %s for commit %s", containerName, ref)

	statusCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		o.log.Warnf("Reproduction of commit %s timed out", ref)
		return VerdictInconclusive, nil
	case err := <-errCh:
		return VerdictInconclusive, errors.Join(fmt.Errorf("wait on container %s failed", containerName), err)
	case status := <-statusCh:
		return exitStatusVerdict(int(status.StatusCode)), nil
	}
}

// runService starts the system under test, waits for readiness and runs the
// host-side reproduction script against the mapped ports.
func (o *DockerOracle) runService(ctx context.Context, apiClient *client.Client, imageName, ref string, repo Repository) (Verdict, error) {
	ports := make(map[int]int)
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)

	for _, probe := range o.Probes {
		ports[probe.Port] = 0
	}
	for _, port := range o.Ports {
		ports[port] = 0
	}

	for port := range ports {
		natPort := nat.Port(fmt.Sprint(port))
		freePort, err := freeport.GetFreePort()
		if err != nil {
			return VerdictInconclusive, err
		}
		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{{HostPort: fmt.Sprint(freePort)}}
		ports[port] = freePort
	}

	containerName := "culprit-" + uniuri.New()
	resp, err := apiClient.ContainerCreate(ctx, &container.Config{
		Image:        imageName,
		ExposedPorts: exposedPorts,
		Labels:       map[string]string{dockerLabel: "1"},
	}, &container.HostConfig{
		AutoRemove:   true,
		PortBindings: portBindings,
	}, nil, nil, containerName)
	if err != nil {
		return VerdictInconclusive, errors.Join(fmt.Errorf("container creation of image %s failed", imageName), err)
	}

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return VerdictInconclusive, errors.Join(fmt.Errorf("container start of image %s failed", imageName), err)
	}
	defer func() {
		if err := apiClient.ContainerStop(context.Background(), containerName, container.StopOptions{}); err != nil {
			o.log.Warnf("Failed to stop container %s: %v", containerName, err)
		}
	}()

	o.log.Infof("Started container %s running commit %s, waiting for readiness...", containerName, ref)
	for _, probe := range o.Probes {
		ready, err := probe.perform(ctx, ports, o.log)
		if err != nil {
			return VerdictInconclusive, err
		}
		if !ready {
			o.log.Warnf("Commit %s never became ready on port %d", ref, probe.Port)
			return VerdictInconclusive, nil
		}
	}

	reproCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		reproCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(reproCtx, "sh", "-c", o.Script)
	cmd.Dir = repo.Root()
	cmd.Env = os.Environ()
	for port, hostPort := range ports {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PORT%d=%d", port, hostPort))
	}

	runErr := cmd.Run()
	if reproCtx.Err() != nil {
		o.log.Warnf("Reproduction of commit %s timed out", ref)
		return VerdictInconclusive, nil
	}
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return VerdictInconclusive, fmt.Errorf("reproduction script failed to run: %w", runErr)
	}
	return exitStatusVerdict(exitCode), nil
}

// exitStatusVerdict maps a reproduction exit status to a verdict following
// the git-bisect convention: 0 good, 1-124 bad, everything else skip.
func exitStatusVerdict(code int) Verdict {
	switch {
	case code == 0:
		return VerdictBugAbsent
	case code >= 1 && code <= 124:
		return VerdictBugPresent
	default:
		return VerdictInconclusive
	}
}
