package config

import (
	"path/filepath"
	"time"
)

const DEFAULT_INDEX_FILE = "index.json"

type Config struct {
	// WorkflowsDir is the root holding definitions/<category>/<id>.{yaml,yml,json}
	// and the persisted registry index.
	WorkflowsDir string
	IndexFile    string
	// MaxLoopIterations bounds one while-loop execution.
	MaxLoopIterations int
	// MaxWorkflowDepth bounds execute-workflow nesting.
	MaxWorkflowDepth int
	// RetryBackoff is the base delay between retry attempts; attempt n waits
	// n * RetryBackoff.
	RetryBackoff time.Duration
	Debug        bool
}

func Default() Config {
	return Config{
		WorkflowsDir:      "workflows",
		IndexFile:         DEFAULT_INDEX_FILE,
		MaxLoopIterations: 1000,
		MaxWorkflowDepth:  16,
		RetryBackoff:      time.Second,
	}
}

func (c Config) IndexPath() string {
	name := c.IndexFile
	if name == "" {
		name = DEFAULT_INDEX_FILE
	}
	return filepath.Join(c.WorkflowsDir, name)
}
