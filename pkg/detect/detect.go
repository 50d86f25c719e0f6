// Package detect decides which shell commands build and test a checked-out
// repository, either from an explicit configuration file or from the marker
// files at the repository root.
package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ConfigFiles are the configuration file names looked up at the workspace
// root, in order. The first one present is the configuration file.
var ConfigFiles = []string{"ci.json", "ci.yaml", "ci.yml"}

// FallbackMessage is echoed when no project type is recognized.
const FallbackMessage = `echo "No recognized project type. Add ci.json to configure."`

// Kind names where a command list came from.
type Kind string

const (
	KindConfig          Kind = "config"
	KindPython          Kind = "python"
	KindPythonPyproject Kind = "python-pyproject"
	KindNode            Kind = "node"
	KindGo              Kind = "go"
	KindRust            Kind = "rust"
	KindMaven           Kind = "maven"
	KindGradle          Kind = "gradle"
	KindUnknown         Kind = "unknown"
)

// Config is the explicit command list declared in a configuration file.
type Config struct {
	Commands []string `json:"commands" yaml:"commands"`
}

// Snapshot is the set of entry names (files and directories) at the root of
// a workspace.
type Snapshot map[string]struct{}

// NewSnapshot builds a snapshot from entry names.
func NewSnapshot(names ...string) Snapshot {
	s := make(Snapshot, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is present at the root.
func (s Snapshot) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Plan is the resolved command list for a workspace.
type Plan struct {
	Commands []string
	Kind     Kind
	// ConfigFile is the configuration file found at the root, if any.
	ConfigFile string
	// ConfigErr is set when ConfigFile exists but could not be read or parsed;
	// Commands then come from auto-detection.
	ConfigErr error
}

// Detector maps a workspace snapshot to commands. GOOS selects the
// platform-specific fallback listing command.
type Detector struct {
	GOOS string
}

// New returns a Detector for the running platform.
func New() *Detector {
	return &Detector{GOOS: runtime.GOOS}
}

// Detect is total and deterministic: a parsed configuration wins outright,
// otherwise the first matching marker in fixed priority order decides.
func (d *Detector) Detect(snap Snapshot, cfg *Config) Plan {
	if cfg != nil {
		cmds := make([]string, 0, len(cfg.Commands))
		cmds = append(cmds, cfg.Commands...)
		return Plan{Commands: cmds, Kind: KindConfig}
	}

	switch {
	case snap.Has("requirements.txt"):
		cmds := []string{"pip install -r requirements.txt"}
		if snap.Has("pytest.ini") || snap.Has("tests") {
			cmds = append(cmds, "pytest")
		} else if snap.Has("setup.py") {
			cmds = append(cmds, "python setup.py test")
		}
		return Plan{Commands: cmds, Kind: KindPython}
	case snap.Has("pyproject.toml"):
		return Plan{Commands: []string{"pip install .", "pytest"}, Kind: KindPythonPyproject}
	case snap.Has("package.json"):
		return Plan{Commands: []string{"npm install", "npm test"}, Kind: KindNode}
	case snap.Has("go.mod"):
		return Plan{Commands: []string{"go build ./...", "go test ./..."}, Kind: KindGo}
	case snap.Has("Cargo.toml"):
		return Plan{Commands: []string{"cargo build", "cargo test"}, Kind: KindRust}
	case snap.Has("pom.xml"):
		return Plan{Commands: []string{"mvn clean install"}, Kind: KindMaven}
	case snap.Has("build.gradle"):
		return Plan{Commands: []string{"./gradlew build"}, Kind: KindGradle}
	}

	return Plan{Commands: []string{FallbackMessage, d.listCommand()}, Kind: KindUnknown}
}

func (d *Detector) listCommand() string {
	if d.GOOS == "windows" {
		return "dir"
	}
	return "ls -la"
}

// Resolve snapshots dir, loads its configuration file if present and runs
// Detect. A configuration error is reported in Plan.ConfigErr, never returned.
func (d *Detector) Resolve(dir string) (Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Plan{}, fmt.Errorf("read workspace: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	snap := NewSnapshot(names...)

	file := ""
	for _, name := range ConfigFiles {
		if snap.Has(name) {
			file = name
			break
		}
	}
	if file == "" {
		return d.Detect(snap, nil), nil
	}

	cfg, cfgErr := LoadConfig(filepath.Join(dir, file))
	plan := d.Detect(snap, cfg)
	plan.ConfigFile = file
	plan.ConfigErr = cfgErr
	return plan, nil
}

// LoadConfig reads a configuration file; the format follows the extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(filepath.Base(path), data)
}

// ParseConfig decodes a configuration document named name.
func ParseConfig(name string, data []byte) (*Config, error) {
	var cfg Config
	switch filepath.Ext(name) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", name)
	}
	return &cfg, nil
}
