package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	NotebookPath string // .ipynb file to operate on

	Endpoint   string // direct comm endpoint; skips gateway discovery
	Gateway    string // gateway base URL for kernel discovery
	Token      string // gateway auth token
	Namespace  string // socket.io namespace
	KernelName string // kernel to resolve or start via the gateway

	ProfilePath string // HCL client profile file
	ProfileName string // client block to select; empty means first

	Cell    string // run a single seed cell instead of the whole notebook
	AltMode bool   // run seeds under temporarily toggled reactivity
	Watch   bool   // keep running and react to notebook file changes

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	DebounceMs      int

	InsecureSkipVerify bool

	// Overrides seeds the session settings map before the kernel's own
	// values arrive. Filled from the profile's overrides block.
	Overrides map[string]string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.NotebookPath == "" {
		return nil, errors.New("NotebookPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
