package checks

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"
)

// Detector guesses a project's canonical test command from marker files.
type Detector struct {
	fs afero.Fs
}

// NewDetector creates a Detector over fs. A nil fs means the OS filesystem.
func NewDetector(fs afero.Fs) *Detector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Detector{fs: fs}
}

// DetectCommand is a convenience wrapper over the OS filesystem.
func DetectCommand(dir string) string {
	return NewDetector(nil).Detect(dir)
}

// Detect returns the best-guess test command for dir, or UnknownCommand when
// no marker matched (for example an empty directory before planning).
func (d *Detector) Detect(dir string) string {
	exists := func(parts ...string) bool {
		ok, _ := afero.Exists(d.fs, filepath.Join(append([]string{dir}, parts...)...))
		return ok
	}
	glob := func(pattern string) bool {
		matches, _ := afero.Glob(d.fs, filepath.Join(dir, pattern))
		return len(matches) > 0
	}

	// Ruby
	if exists("bin", "rails") {
		return "bin/rails test"
	}
	if exists("Gemfile") && exists("spec") {
		return "bundle exec rspec"
	}
	if exists("Gemfile") && exists("test") {
		return "bundle exec rake test"
	}

	// Python
	if exists("pytest.ini") || exists("setup.cfg") || exists("pyproject.toml") {
		return "python -m pytest"
	}
	if exists("manage.py") {
		return "python manage.py test"
	}
	if exists("setup.py") || exists("tox.ini") {
		return "python -m pytest"
	}

	// PHP
	if exists("vendor", "bin", "phpunit") || exists("phpunit.xml") || exists("phpunit.xml.dist") || exists("composer.json") {
		return "vendor/bin/phpunit"
	}

	// JavaScript / TypeScript
	if exists("package.json") {
		switch {
		case exists("node_modules", ".bin", "jest") || d.hasNodeDependency(dir, "jest"):
			return "npx jest"
		case exists("node_modules", ".bin", "vitest") || d.hasNodeDependency(dir, "vitest"):
			return "npx vitest run"
		}
		return "npm test"
	}

	if exists("go.mod") {
		return "go test ./..."
	}
	if exists("Cargo.toml") {
		return "cargo test"
	}

	// JVM
	if exists("pom.xml") {
		return "mvn test"
	}
	if exists("build.gradle") || exists("build.gradle.kts") {
		return "./gradlew test"
	}

	if glob("*.sln") || glob("*.csproj") {
		return "dotnet test"
	}
	if exists("mix.exs") {
		return "mix test"
	}
	if exists("Package.swift") {
		return "swift test"
	}

	return UnknownCommand
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (d *Detector) hasNodeDependency(dir, name string) bool {
	data, err := afero.ReadFile(d.fs, filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	if _, ok := pkg.DevDependencies[name]; ok {
		return true
	}
	_, ok := pkg.Dependencies[name]
	return ok
}
