package culprit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// Repository is the engine's view of a local working copy. The concrete
// implementation is [Handle]; tests substitute fakes.
type Repository interface {
	// Exists reports whether ref resolves to a commit. It fails closed:
	// malformed or unknown refs yield false, never an error.
	Exists(ref string) bool

	// IsAncestor reports whether ancestor is reachable from descendant by
	// following parent edges. A commit is considered its own ancestor.
	IsAncestor(ancestor, descendant string) (bool, error)

	// Checkout moves the single working copy to ref.
	Checkout(ref string) error

	// Commits returns the hashes of the first-parent chain from old to new,
	// both included, ordered oldest first.
	Commits(old, new string) ([]string, error)

	// Midpoint returns the commit halfway along the first-parent chain
	// between low and high, or an [EmptyRangeError] once the two are
	// adjacent.
	Midpoint(low, high string) (string, error)

	// RunInWorkingCopy executes an external command with the working copy as
	// its current directory. A nonzero exit status is reported through the
	// result, not as an error.
	RunInWorkingCopy(ctx context.Context, name string, args ...string) (ExecResult, error)

	// Root returns the path of the working copy on disk.
	Root() string
}

// ExecResult holds the captured output of a command run in the working copy.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommitInfo holds the metadata of a single commit, for reporting.
type CommitInfo struct {
	Hash    string
	Message string
	Author  string
	Date    time.Time
}

// A Handle owns one full local clone of a repository. It is bound to a
// single working copy and must not be shared between concurrent bisections;
// use [Handle.Fork] to obtain an independent copy.
type Handle struct {
	url  string
	path string

	repo *git.Repository

	log *logrus.Entry
}

// Clone creates a full (non-shallow) local clone of remoteURL at dest and
// returns a handle owning it. If dest is empty, a fresh scratch directory is
// created. A non-empty existing dest is rejected with a [CloneError], as is
// an unreachable remote.
func Clone(remoteURL, dest string, log *logrus.Logger) (*Handle, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	if dest == "" {
		dir, err := os.MkdirTemp("", "culprit-"+uniuri.NewLen(8)+"-")
		if err != nil {
			return nil, &CloneError{URL: remoteURL, Dest: dest, Err: err}
		}
		dest = dir
	} else if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return nil, &CloneError{URL: remoteURL, Dest: dest, Err: errors.New("destination exists and is not empty")}
	}

	// Ancestry queries need the full history, so no --depth here.
	if out, err := exec.Command("git", "clone", remoteURL, dest).CombinedOutput(); err != nil {
		os.RemoveAll(dest)
		return nil, &CloneError{URL: remoteURL, Dest: dest, Err: errors.Join(fmt.Errorf("git clone output: %s", out), err)}
	}

	return open(remoteURL, dest, log)
}

// Open wraps an existing local clone without cloning. Closing the returned
// handle still removes the directory.
func Open(path string, log *logrus.Logger) (*Handle, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return open("", path, log)
}

func open(url, path string, log *logrus.Logger) (*Handle, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", path, err)
	}
	return &Handle{
		url:  url,
		path: path,
		repo: repo,
		log:  log.WithField("repo", filepath.Base(path)),
	}, nil
}

// Fork copies the handle's clone into a fresh scratch directory and returns
// an independent handle for it. The fork starts at whatever commit the
// source had checked out.
func (h *Handle) Fork() (*Handle, error) {
	dir, err := os.MkdirTemp("", "culprit-"+uniuri.NewLen(8)+"-")
	if err != nil {
		return nil, err
	}
	if err := copy.Copy(h.path, dir, copy.Options{Specials: true}); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to fork clone at %s: %w", h.path, err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &Handle{
		url:  h.url,
		path: dir,
		repo: repo,
		log:  h.log.Logger.WithField("repo", filepath.Base(dir)),
	}, nil
}

// Close removes the working copy from disk.
func (h *Handle) Close() error {
	return os.RemoveAll(h.path)
}

// Root returns the path of the working copy.
func (h *Handle) Root() string { return h.path }

// URL returns the remote this handle was cloned from, if known.
func (h *Handle) URL() string { return h.url }

func (h *Handle) resolve(ref string) (*plumbing.Hash, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("empty ref")
	}
	return h.repo.ResolveRevision(plumbing.Revision(ref))
}

// Exists reports whether ref resolves to exactly one commit object. Bad
// refs are an ordinary outcome, so this never returns an error.
func (h *Handle) Exists(ref string) bool {
	hash, err := h.resolve(ref)
	if err != nil {
		return false
	}
	_, err = h.repo.CommitObject(*hash)
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant via
// parent edges, including the case ancestor == descendant.
func (h *Handle) IsAncestor(ancestor, descendant string) (bool, error) {
	ah, err := h.resolve(ancestor)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", ancestor, err)
	}
	dh, err := h.resolve(descendant)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", descendant, err)
	}
	if *ah == *dh {
		return true, nil
	}

	ac, err := h.repo.CommitObject(*ah)
	if err != nil {
		return false, err
	}
	dc, err := h.repo.CommitObject(*dh)
	if err != nil {
		return false, err
	}
	return ac.IsAncestor(dc)
}

// Checkout moves the working copy to ref. Local modifications, e.g. a
// Dockerfile an oracle dropped into the tree, are discarded so every
// checkout starts from a defined state.
func (h *Handle) Checkout(ref string) error {
	if !h.Exists(ref) {
		return &CheckoutError{Ref: ref, Err: fmt.Errorf("ref does not exist locally")}
	}

	cmd := exec.Command("sh", "-c", fmt.Sprintf("git add . && git reset --hard %s", ref))
	cmd.Dir = h.path
	if out, err := cmd.CombinedOutput(); err != nil {
		return &CheckoutError{Ref: ref, Err: errors.Join(fmt.Errorf("git reset output: %s", out), err)}
	}

	cmd = exec.Command("git", "submodule", "update", "--init", "--recursive")
	cmd.Dir = h.path
	if out, err := cmd.CombinedOutput(); err != nil {
		return &CheckoutError{Ref: ref, Err: errors.Join(fmt.Errorf("git submodule update output: %s", out), err)}
	}

	h.log.Debugf("Checked out %s", ref)
	return nil
}

// Commits returns the hashes of all commits between old and new following
// the first-parent chain, ordered chronologically with old at index 0 and
// new at the last index. First-parent keeps the ordering deterministic when
// the history contains merges.
func (h *Handle) Commits(old, new string) ([]string, error) {
	cmd := exec.Command("git", "rev-list", "--reverse", "--first-parent", "^"+old, new)
	cmd.Dir = h.path
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to get rev-list from %s to %s", old, new), err)
	}
	commits := strings.Fields(string(out))

	// The ^old boundary itself is excluded from rev-list, prepend it.
	oldHash, err := h.resolve(old)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", old, err)
	}
	return append([]string{oldHash.String()}, commits...), nil
}

// Midpoint returns the commit halfway between low and high on the
// first-parent chain, rounding toward low. Once low and high are adjacent
// it returns an [EmptyRangeError].
func (h *Handle) Midpoint(low, high string) (string, error) {
	commits, err := h.Commits(low, high)
	if err != nil {
		return "", err
	}
	idx, ok := midpointIndex(len(commits))
	if !ok {
		return "", &EmptyRangeError{Low: low, High: high}
	}
	return commits[idx], nil
}

// midpointIndex returns the index of the midpoint in an inclusive chain of
// n commits, rounding toward the low end, and whether any commit lies
// strictly between the boundaries at all.
func midpointIndex(n int) (int, bool) {
	if n < 3 {
		return 0, false
	}
	return (n - 1) / 2, true
}

// RunInWorkingCopy executes the given command with the working copy as its
// current directory and captures its output. A nonzero exit status is
// returned in the result; only failures to run the command at all produce
// an error.
func (h *Handle) RunInWorkingCopy(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = h.path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s in %s: %w", name, h.path, err)
	}
	return res, nil
}

// CommitInfo returns the metadata of ref for reporting.
func (h *Handle) CommitInfo(ref string) (CommitInfo, error) {
	hash, err := h.resolve(ref)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	commit, err := h.repo.CommitObject(*hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("failed to read commit %s: %w", ref, err)
	}
	return CommitInfo{
		Hash:    hash.String(),
		Message: strings.TrimSpace(commit.Message),
		Author:  fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email),
		Date:    commit.Author.When,
	}, nil
}
