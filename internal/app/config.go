package app

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config holds everything an App instance needs to run. Flags and the
// optional HCL config file both feed into it; flags win.
type Config struct {
	ListenAddr string

	LogFormat string
	LogLevel  string

	Workers                int
	ExecTimeoutSec         int
	OptimizationTimeoutSec int

	// One-shot mode: execute a workflow file locally and exit.
	WorkflowPath string
	InputsJSON   string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ListenAddr == "" && cfg.WorkflowPath == "" {
		return nil, errors.New("either a listen address or a workflow file is required")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("workers must not be negative")
	}
	return &cfg, nil
}

// fileConfig is the HCL schema of an optional config file:
//
//	server {
//	  listen  = ":8765"
//	  workers = 4
//	}
//	timeouts {
//	  execution_seconds    = 120
//	  optimization_seconds = 600
//	}
type fileConfig struct {
	Server   *serverBlock   `hcl:"server,block"`
	Timeouts *timeoutsBlock `hcl:"timeouts,block"`
}

type serverBlock struct {
	Listen  string `hcl:"listen,optional"`
	Workers int    `hcl:"workers,optional"`
}

type timeoutsBlock struct {
	ExecutionSeconds    int `hcl:"execution_seconds,optional"`
	OptimizationSeconds int `hcl:"optimization_seconds,optional"`
}

// LoadConfigFile merges an HCL config file into base. Values already set on
// base (by flags) are kept.
func LoadConfigFile(path string, base Config) (Config, error) {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return base, fmt.Errorf("loading config file %s: %w", path, err)
	}
	if fc.Server != nil {
		if base.ListenAddr == "" {
			base.ListenAddr = fc.Server.Listen
		}
		if base.Workers == 0 {
			base.Workers = fc.Server.Workers
		}
	}
	if fc.Timeouts != nil {
		if base.ExecTimeoutSec == 0 {
			base.ExecTimeoutSec = fc.Timeouts.ExecutionSeconds
		}
		if base.OptimizationTimeoutSec == 0 {
			base.OptimizationTimeoutSec = fc.Timeouts.OptimizationSeconds
		}
	}
	return base, nil
}
