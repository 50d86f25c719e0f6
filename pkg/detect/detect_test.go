package detect_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciserver/pkg/detect"
)

func linux() *detect.Detector { return &detect.Detector{GOOS: "linux"} }

func TestDetect_NodeOnly(t *testing.T) {
	snap := detect.NewSnapshot("package.json", "README.md", "src", ".gitignore", "LICENSE")

	plan := linux().Detect(snap, nil)

	assert.Equal(t, []string{"npm install", "npm test"}, plan.Commands)
	assert.Equal(t, detect.KindNode, plan.Kind)
}

func TestDetect_PythonWithPytest(t *testing.T) {
	plan := linux().Detect(detect.NewSnapshot("requirements.txt", "pytest.ini"), nil)
	assert.Equal(t, []string{"pip install -r requirements.txt", "pytest"}, plan.Commands)

	plan = linux().Detect(detect.NewSnapshot("requirements.txt", "tests"), nil)
	assert.Equal(t, []string{"pip install -r requirements.txt", "pytest"}, plan.Commands)
}

func TestDetect_PythonSetupPy(t *testing.T) {
	plan := linux().Detect(detect.NewSnapshot("requirements.txt", "setup.py"), nil)
	assert.Equal(t, []string{"pip install -r requirements.txt", "python setup.py test"}, plan.Commands)
}

func TestDetect_PythonInstallOnly(t *testing.T) {
	plan := linux().Detect(detect.NewSnapshot("requirements.txt"), nil)
	assert.Equal(t, []string{"pip install -r requirements.txt"}, plan.Commands)
}

func TestDetect_PriorityOrder(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  []string
		kind  detect.Kind
	}{
		{"requirements beats package.json", []string{"package.json", "requirements.txt"}, []string{"pip install -r requirements.txt"}, detect.KindPython},
		{"pyproject beats node", []string{"package.json", "pyproject.toml"}, []string{"pip install .", "pytest"}, detect.KindPythonPyproject},
		{"node beats go", []string{"go.mod", "package.json"}, []string{"npm install", "npm test"}, detect.KindNode},
		{"go beats rust", []string{"Cargo.toml", "go.mod"}, []string{"go build ./...", "go test ./..."}, detect.KindGo},
		{"rust beats maven", []string{"pom.xml", "Cargo.toml"}, []string{"cargo build", "cargo test"}, detect.KindRust},
		{"maven beats gradle", []string{"build.gradle", "pom.xml"}, []string{"mvn clean install"}, detect.KindMaven},
		{"gradle", []string{"build.gradle", "settings.gradle"}, []string{"./gradlew build"}, detect.KindGradle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := linux().Detect(detect.NewSnapshot(tc.files...), nil)
			assert.Equal(t, tc.want, plan.Commands)
			assert.Equal(t, tc.kind, plan.Kind)
		})
	}
}

func TestDetect_Fallback(t *testing.T) {
	plan := linux().Detect(detect.NewSnapshot(), nil)
	assert.Equal(t, []string{detect.FallbackMessage, "ls -la"}, plan.Commands)
	assert.Equal(t, detect.KindUnknown, plan.Kind)

	win := (&detect.Detector{GOOS: "windows"}).Detect(detect.NewSnapshot("notes.txt"), nil)
	assert.Equal(t, []string{detect.FallbackMessage, "dir"}, win.Commands)
}

func TestDetect_ConfigWins(t *testing.T) {
	cfg := &detect.Config{Commands: []string{"make lint", "make test"}}
	plan := linux().Detect(detect.NewSnapshot("package.json", "go.mod"), cfg)

	assert.Equal(t, []string{"make lint", "make test"}, plan.Commands)
	assert.Equal(t, detect.KindConfig, plan.Kind)
}

func TestDetect_EmptyConfigMeansNoCommands(t *testing.T) {
	plan := linux().Detect(detect.NewSnapshot("package.json"), &detect.Config{})
	assert.Empty(t, plan.Commands)
	assert.Equal(t, detect.KindConfig, plan.Kind)
}

func TestDetect_Deterministic(t *testing.T) {
	snap := detect.NewSnapshot("go.mod", "Cargo.toml", "Makefile")
	first := linux().Detect(snap, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, linux().Detect(snap, nil))
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestResolve_JSONConfig(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ci.json":      `{"commands": ["echo build", "echo test"]}`,
		"package.json": `{}`,
	})

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)

	assert.NoError(t, plan.ConfigErr)
	assert.Equal(t, "ci.json", plan.ConfigFile)
	assert.Equal(t, []string{"echo build", "echo test"}, plan.Commands)
}

func TestResolve_YAMLConfig(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ci.yml": "commands:\n  - make deps\n  - make check\n",
	})

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)

	assert.Equal(t, "ci.yml", plan.ConfigFile)
	assert.Equal(t, []string{"make deps", "make check"}, plan.Commands)
}

func TestResolve_MalformedConfigFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ci.json":      `{"commands": [`,
		"package.json": `{}`,
	})

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)

	assert.Error(t, plan.ConfigErr)
	assert.Equal(t, "ci.json", plan.ConfigFile)
	assert.Equal(t, detect.KindNode, plan.Kind)
	assert.Equal(t, []string{"npm install", "npm test"}, plan.Commands)
}

func TestResolve_WrongFieldTypeIsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"ci.json": `{"commands": "make"}`})

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)

	assert.Error(t, plan.ConfigErr)
	assert.Equal(t, detect.KindUnknown, plan.Kind)
}

func TestResolve_JSONPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ci.json": `{"commands": ["echo json"]}`,
		"ci.yaml": "commands: [echo yaml]\n",
	})

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo json"}, plan.Commands)
}

func TestResolve_DirectoryMarker(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"requirements.txt": "pytest\n"})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tests"), 0o755))

	plan, err := linux().Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"pip install -r requirements.txt", "pytest"}, plan.Commands)
}

func TestResolve_MissingDirectory(t *testing.T) {
	_, err := linux().Resolve(filepath.Join(t.TempDir(), "gone"))
	assert.Error(t, err)
}
