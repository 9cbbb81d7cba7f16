package model

import "time"

// RegistryEntry is the indexed summary of one workflow definition.
type RegistryEntry struct {
	Id              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Type            Category `json:"type"`
	Description     string   `json:"description"`
	Tags            []string `json:"tags"`
	Author          string   `json:"author"`
	AverageDuration string   `json:"averageDuration"`
	Inputs          []string `json:"inputs"`
	Outputs         []string `json:"outputs"`
}

// RegistryIndex is the persisted sidecar produced by a scan.
type RegistryIndex struct {
	LastUpdated   time.Time                 `json:"last_updated"`
	WorkflowCount int                       `json:"workflow_count"`
	Workflows     map[string]*RegistryEntry `json:"workflows"`
	Dependencies  map[string][]string       `json:"dependencies"`
}

type RegistryStats struct {
	TotalWorkflows            int            `json:"total_workflows"`
	ByType                    map[string]int `json:"by_type"`
	LastScan                  *time.Time     `json:"last_scan,omitempty"`
	WorkflowsWithDependencies int            `json:"workflows_with_dependencies"`
}

// WorkflowFileInfo is returned by the loader's directory listing.
type WorkflowFileInfo struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	Type        Category `json:"type"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	File        string   `json:"file"`
}
