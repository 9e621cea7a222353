package culprit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProjectDockerfile(t *testing.T, projectsDir, project, contents string) {
	t.Helper()
	dir := filepath.Join(projectsDir, project)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(contents), 0644))
}

func TestResolveRepositoryURL(t *testing.T) {
	projectsDir := t.TempDir()

	writeProjectDockerfile(t, projectsDir, "curl", `FROM base-builder
RUN apt-get install -y make autoconf
RUN git clone --depth 1 https://github.com/curl/curl.git curl
WORKDIR curl
`)
	writeProjectDockerfile(t, projectsDir, "aspell", `FROM base-builder
RUN git clone "https://github.com/gnuaspell/aspell.git"
`)
	writeProjectDockerfile(t, projectsDir, "norepo", `FROM base-builder
COPY build.sh $SRC/
`)

	t.Run("URL inferred from clone line", func(t *testing.T) {
		url, err := ResolveRepositoryURL(projectsDir, "curl")
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/curl/curl.git", url)
	})

	t.Run("Quoted URL gets trimmed", func(t *testing.T) {
		url, err := ResolveRepositoryURL(projectsDir, "aspell")
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/gnuaspell/aspell.git", url)
	})

	t.Run("Unknown project", func(t *testing.T) {
		_, err := ResolveRepositoryURL(projectsDir, "bad_example")

		var notFound *ProjectNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "bad_example", notFound.Project)
	})

	t.Run("Dockerfile without repository URL", func(t *testing.T) {
		_, err := ResolveRepositoryURL(projectsDir, "norepo")

		var notInferable *RepoURLNotInferableError
		require.ErrorAs(t, err, &notInferable)
		assert.Equal(t, "norepo", notInferable.Project)
	})
}
