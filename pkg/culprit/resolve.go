package culprit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveRepositoryURL infers the repository URL of a project by inspecting
// the project's Dockerfile under projectsDir/<project>/Dockerfile: the first
// token containing "/<project>.git" wins. Projects without a directory fail
// with [ProjectNotFoundError], Dockerfiles without a recognizable URL with
// [RepoURLNotInferableError].
func ResolveRepositoryURL(projectsDir, project string) (string, error) {
	projectPath := filepath.Join(projectsDir, project)
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return "", &ProjectNotFoundError{Project: project}
	}

	dockerfile := filepath.Join(projectPath, "Dockerfile")
	file, err := os.Open(dockerfile)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", dockerfile, err)
	}
	defer file.Close()

	needle := "/" + project + ".git"
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		for _, token := range strings.Fields(scanner.Text()) {
			if strings.Contains(token, needle) {
				return strings.Trim(token, `"'`), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", dockerfile, err)
	}

	return "", &RepoURLNotInferableError{Project: project, Dockerfile: dockerfile}
}
