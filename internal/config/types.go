package config

import "time"

// Config is the effective redgreen configuration.
type Config struct {
	Project ProjectConfig `koanf:"project" yaml:"project"`
	Loops   LoopsConfig   `koanf:"loops" yaml:"loops"`
	Models  ModelsConfig  `koanf:"models" yaml:"models"`
	Verify  VerifyConfig  `koanf:"verify" yaml:"verify"`
	Agent   AgentConfig   `koanf:"agent" yaml:"agent"`
	Guard   GuardConfig   `koanf:"guard" yaml:"guard"`
	Events  EventsConfig  `koanf:"events" yaml:"events"`
	Store   StoreConfig   `koanf:"store" yaml:"store"`
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Bridge  BridgeConfig  `koanf:"bridge" yaml:"bridge"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// ProjectConfig locates the project the pipeline works on.
type ProjectConfig struct {
	Root        string `koanf:"root" yaml:"root"`
	TestCommand string `koanf:"test_command" yaml:"test_command"`
}

// LoopsConfig bounds each retry loop.
type LoopsConfig struct {
	GreenFix int `koanf:"green_fix" yaml:"green_fix"`
	Review   int `koanf:"review" yaml:"review"`
	Security int `koanf:"security" yaml:"security"`
	QA       int `koanf:"qa" yaml:"qa"`
}

// ModelsConfig selects a model per session. Empty means the agent default;
// security and QA fall back to the pipeline model.
type ModelsConfig struct {
	Pipeline  string `koanf:"pipeline" yaml:"pipeline"`
	Security  string `koanf:"security" yaml:"security"`
	QA        string `koanf:"qa" yaml:"qa"`
	Report    string `koanf:"report" yaml:"report"`
	Summarize string `koanf:"summarize" yaml:"summarize"`
}

type VerifyConfig struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// AgentConfig configures the agent CLI.
type AgentConfig struct {
	Bin      string        `koanf:"bin" yaml:"bin"`
	MaxTurns int           `koanf:"max_turns" yaml:"max_turns"`
	Timeout  time.Duration `koanf:"timeout" yaml:"timeout"`
}

type GuardConfig struct {
	PolicyFile   string   `koanf:"policy_file" yaml:"policy_file"`
	ExtraBlocked []string `koanf:"extra_blocked" yaml:"extra_blocked"`
}

type EventsConfig struct {
	HistoryLimit int `koanf:"history_limit" yaml:"history_limit"`
}

// StoreConfig selects the run ledger and the directory holding each run's
// prompts and report. A postgres:// DSN selects Postgres; anything else is
// a SQLite path.
type StoreConfig struct {
	DSN     string `koanf:"dsn" yaml:"dsn"`
	RunsDir string `koanf:"runs_dir" yaml:"runs_dir"`
}

type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

type BridgeConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Loops:  LoopsConfig{GreenFix: 3, Review: 3, Security: 2, QA: 2},
		Models: ModelsConfig{Report: "haiku", Summarize: "sonnet"},
		Verify: VerifyConfig{Timeout: 120 * time.Second},
		Agent:  AgentConfig{Bin: "claude", MaxTurns: 50, Timeout: 30 * time.Minute},
		Store:  StoreConfig{DSN: defaultDSN(), RunsDir: defaultRunsDir()},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Bridge: BridgeConfig{Addr: "127.0.0.1:0"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}
