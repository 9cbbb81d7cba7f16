// Package registry indexes every workflow definition under a root, tracks
// the inter-workflow dependency graph, and persists the index as a sidecar
// so later processes can skip the full scan.
package registry

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/loader"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

type Registry struct {
	mu        sync.RWMutex
	loader    *loader.Loader
	indexPath string

	entries  map[string]*model.RegistryEntry
	docs     map[string]model.Document
	deps     map[string][]string
	lastScan time.Time
}

func New(l *loader.Loader, indexPath string) *Registry {
	return &Registry{
		loader:    l,
		indexPath: indexPath,
		entries:   map[string]*model.RegistryEntry{},
		docs:      map[string]model.Document{},
		deps:      map[string][]string{},
	}
}

// Scan rebuilds the index from disk, replacing the in-memory state and
// persisting the result. A cycle in the dependency graph fails the scan:
// workflow definitions are a versioned authoring artifact and a cyclic
// execute-workflow chain would never terminate.
func (r *Registry) Scan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanLocked()
}

func (r *Registry) scanLocked() error {
	logger.Info("scanning for workflows")

	docs, err := r.loader.LoadAll()
	if err != nil {
		return err
	}

	entries := make(map[string]*model.RegistryEntry, len(docs))
	deps := make(map[string][]string, len(docs))
	for id, doc := range docs {
		entries[id] = buildEntry(id, doc)
		deps[id] = collectDependencies(doc)
	}

	if cycle := findCycle(deps); cycle != nil {
		return &model.CyclicDependencyError{Cycle: cycle}
	}

	r.entries = entries
	r.docs = docs
	r.deps = deps
	r.lastScan = time.Now().UTC()

	if err := r.saveIndexLocked(); err != nil {
		logger.Error("failed to persist registry index", zap.Error(err))
		return err
	}
	logger.Info("registry updated", zap.Int("workflows", len(r.entries)))
	return nil
}

func buildEntry(id string, doc model.Document) *model.RegistryEntry {
	meta, _ := doc["metadata"].(map[string]any)
	entry := &model.RegistryEntry{
		Id:              id,
		Name:            cast.ToString(meta["name"]),
		Version:         cast.ToString(meta["version"]),
		Type:            model.Category(cast.ToString(meta["type"])),
		Description:     cast.ToString(meta["description"]),
		Tags:            cast.ToStringSlice(meta["tags"]),
		Author:          stringOr(meta, "author", "Unknown"),
		AverageDuration: stringOr(meta, "averageDuration", "Unknown"),
	}
	if inputs, ok := doc["inputs"].([]any); ok {
		for _, item := range inputs {
			if input, ok := item.(map[string]any); ok {
				entry.Inputs = append(entry.Inputs, cast.ToString(input["name"]))
			}
		}
	}
	if outputs, ok := doc["outputs"].([]any); ok {
		for _, item := range outputs {
			if output, ok := item.(map[string]any); ok {
				entry.Outputs = append(entry.Outputs, cast.ToString(output["name"]))
			}
		}
	}
	return entry
}

// collectDependencies gathers every execute-workflow target in the document,
// including targets inside nested control-flow bodies.
func collectDependencies(doc model.Document) []string {
	seen := map[string]bool{}
	steps, _ := doc["steps"].([]any)
	walkSteps(steps, seen)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

func walkSteps(steps []any, seen map[string]bool) {
	for _, item := range steps {
		step, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if cast.ToString(step["action"]) == string(model.ACTION_EXECUTE_WORKFLOW) {
			if target := cast.ToString(step["workflow"]); target != "" {
				seen[target] = true
			}
		}
		if nested, ok := step["steps"].([]any); ok {
			walkSteps(nested, seen)
		}
	}
}

// findCycle runs a three-color depth-first search over the forward edges and
// returns one cycle path when the graph is not acyclic.
func findCycle(deps map[string][]string) []string {
	const white, gray, black = 0, 1, 2
	color := make(map[string]int, len(deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				for i, node := range stack {
					if node == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func (r *Registry) saveIndexLocked() error {
	index := model.RegistryIndex{
		LastUpdated:   r.lastScan,
		WorkflowCount: len(r.entries),
		Workflows:     r.entries,
		Dependencies:  r.deps,
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.indexPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.indexPath); err != nil {
		os.Remove(tmp)
		return err
	}
	logger.Info("saved registry index", zap.String("file", r.indexPath))
	return nil
}

// LoadIndex restores the registry from the persisted index. It reports false
// when the index is absent or corrupt so the caller can fall back to Scan.
func (r *Registry) LoadIndex() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadIndexLocked()
}

func (r *Registry) loadIndexLocked() bool {
	data, err := os.ReadFile(r.indexPath)
	if err != nil {
		return false
	}
	var index model.RegistryIndex
	if err := json.Unmarshal(data, &index); err != nil {
		logger.Error("failed to load registry index", zap.Error(err))
		return false
	}
	if index.Workflows == nil {
		return false
	}
	r.entries = index.Workflows
	r.deps = index.Dependencies
	if r.deps == nil {
		r.deps = map[string][]string{}
	}
	r.lastScan = index.LastUpdated
	logger.Info("loaded registry index", zap.Int("workflows", len(r.entries)))
	return true
}

// ensureLocked makes sure an index is in memory, preferring the persisted
// fast path over a full scan.
func (r *Registry) ensureLocked() error {
	if len(r.entries) > 0 {
		return nil
	}
	if r.loadIndexLocked() {
		return nil
	}
	return r.scanLocked()
}

// Get returns the full document for a workflow id, or DefinitionNotFound.
func (r *Registry) Get(id string) (model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLocked(); err != nil {
		return nil, err
	}
	if _, ok := r.entries[id]; !ok {
		return nil, &model.DefinitionNotFoundError{WorkflowId: id}
	}
	if doc, ok := r.docs[id]; ok {
		return doc, nil
	}
	doc, err := r.loader.Load(id)
	if err != nil {
		return nil, err
	}
	r.docs[id] = doc
	return doc, nil
}

// Exists reports whether a workflow id is present in the index.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLocked(); err != nil {
		return false
	}
	_, ok := r.entries[id]
	return ok
}

// List returns entries filtered by category and tags. A workflow matches the
// tag filter when it carries at least one of the requested tags.
func (r *Registry) List(category string, tags []string) ([]*model.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLocked(); err != nil {
		return nil, err
	}

	var entries []*model.RegistryEntry
	for _, entry := range r.entries {
		if category != "" && string(entry.Type) != category {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(entry.Tags, tags) {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// Search matches a query case-insensitively against id, name, description
// and tags.
func (r *Registry) Search(query string) ([]*model.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLocked(); err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var matches []*model.RegistryEntry
	for _, entry := range r.entries {
		if strings.Contains(strings.ToLower(entry.Name), query) ||
			strings.Contains(strings.ToLower(entry.Description), query) ||
			strings.Contains(strings.ToLower(entry.Id), query) ||
			tagMatches(entry.Tags, query) {
			matches = append(matches, entry)
		}
	}
	sortEntries(matches)
	return matches, nil
}

// DependenciesOf returns the workflows a workflow calls, optionally closed
// over transitive edges. The visited set keeps the closure terminating even
// on unexpected graph shapes.
func (r *Registry) DependenciesOf(id string, recursive bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	direct, ok := r.deps[id]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	for _, dep := range direct {
		seen[dep] = true
	}
	if recursive {
		queue := append([]string(nil), direct...)
		for len(queue) > 0 {
			next := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			for _, dep := range r.deps[next] {
				if !seen[dep] {
					seen[dep] = true
					queue = append(queue, dep)
				}
			}
		}
	}

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

// DependentsOf returns the workflows that call a workflow, computed by a
// reverse scan of the forward map.
func (r *Registry) DependentsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dependents []string
	for wfId, deps := range r.deps {
		for _, dep := range deps {
			if dep == id {
				dependents = append(dependents, wfId)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

func (r *Registry) Stats() (model.RegistryStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLocked(); err != nil {
		return model.RegistryStats{}, err
	}

	stats := model.RegistryStats{
		TotalWorkflows: len(r.entries),
		ByType:         map[string]int{},
	}
	for _, entry := range r.entries {
		stats.ByType[string(entry.Type)]++
	}
	for _, deps := range r.deps {
		if len(deps) > 0 {
			stats.WorkflowsWithDependencies++
		}
	}
	if !r.lastScan.IsZero() {
		last := r.lastScan
		stats.LastScan = &last
	}
	return stats, nil
}

// LastScan exposes index staleness; zero means no scan or index load yet.
func (r *Registry) LastScan() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastScan
}

// Export writes the full registry, with stats, to a file.
func (r *Registry) Export(path string) error {
	stats, err := r.Stats()
	if err != nil {
		return err
	}

	r.mu.RLock()
	export := map[string]any{
		"metadata": map[string]any{
			"exported_at":    time.Now().UTC(),
			"workflow_count": len(r.entries),
		},
		"workflows":    r.entries,
		"dependencies": r.deps,
		"stats":        stats,
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	logger.Info("exported registry", zap.String("file", path))
	return nil
}

func hasAnyTag(tags []string, wanted []string) bool {
	for _, tag := range tags {
		for _, want := range wanted {
			if tag == want {
				return true
			}
		}
	}
	return false
}

func tagMatches(tags []string, query string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func sortEntries(entries []*model.RegistryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Id < entries[j].Id
	})
}

func stringOr(m map[string]any, field, fallback string) string {
	if s, ok := m[field].(string); ok && s != "" {
		return s
	}
	return fallback
}
