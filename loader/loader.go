// Package loader reads workflow documents from the on-disk category layout,
// validates them, and caches parsed documents by workflow id.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/schema"
)

var extensions = []string{".yaml", ".yml", ".json"}

const FORMAT_YAML = "yaml"
const FORMAT_JSON = "json"

type Loader struct {
	workflowsDir   string
	definitionsDir string
	cache          *gocache.Cache
}

func New(workflowsDir string) *Loader {
	return &Loader{
		workflowsDir:   workflowsDir,
		definitionsDir: filepath.Join(workflowsDir, "definitions"),
		cache:          gocache.New(gocache.NoExpiration, 0),
	}
}

func (l *Loader) WorkflowsDir() string {
	return l.workflowsDir
}

// Load returns the validated document for a workflow id, from cache when
// available. Category subdirectories are searched in fixed order; the first
// file named {id} with a supported extension wins.
func (l *Loader) Load(id string) (model.Document, error) {
	if cached, found := l.cache.Get(id); found {
		return cached.(model.Document), nil
	}
	return l.Reload(id)
}

// Reload loads a workflow from disk, bypassing and refreshing the cache.
func (l *Loader) Reload(id string) (model.Document, error) {
	path := l.findFile(id)
	if path == "" {
		return nil, &model.DefinitionNotFoundError{WorkflowId: id}
	}

	doc, err := l.loadFile(path)
	if err != nil {
		return nil, err
	}
	if violations := schema.Validate(doc); len(violations) > 0 {
		return nil, &model.SchemaValidationError{Violations: violations}
	}

	l.cache.Set(id, doc, gocache.NoExpiration)
	logger.Info("loaded workflow", zap.String("id", id), zap.String("file", path))
	return doc, nil
}

func (l *Loader) findFile(id string) string {
	for _, category := range model.Categories {
		for _, ext := range extensions {
			path := filepath.Join(l.definitionsDir, string(category), id+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// LoadAll loads every valid definition under the definitions root, keyed by
// the id declared in its metadata. Invalid documents are logged and skipped
// so one bad file does not hide the rest.
func (l *Loader) LoadAll() (map[string]model.Document, error) {
	docs := make(map[string]model.Document)
	for _, category := range model.Categories {
		dir := filepath.Join(l.definitionsDir, string(category))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !supportedExtension(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			doc, err := l.loadFile(path)
			if err != nil {
				logger.Error("failed to load workflow file", zap.String("file", path), zap.Error(err))
				continue
			}
			if violations := schema.Validate(doc); len(violations) > 0 {
				logger.Error("invalid workflow file",
					zap.String("file", path),
					zap.Error(&model.SchemaValidationError{Violations: violations}))
				continue
			}
			id := documentId(doc)
			docs[id] = doc
			l.cache.Set(id, doc, gocache.NoExpiration)
		}
	}
	return docs, nil
}

// Save validates and writes a document to its category directory. An invalid
// document is never written. The write is atomic: the content lands in a
// temp file first and is renamed into place.
func (l *Loader) Save(doc model.Document, format string) (string, error) {
	if violations := schema.Validate(doc); len(violations) > 0 {
		return "", &model.SchemaValidationError{Violations: violations}
	}

	meta := doc["metadata"].(map[string]any)
	id := cast.ToString(meta["id"])
	category := cast.ToString(meta["type"])

	dir := filepath.Join(l.definitionsDir, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	var data []byte
	var err error
	var ext string
	switch format {
	case FORMAT_JSON:
		ext = ".json"
		data, err = json.MarshalIndent(doc, "", "  ")
	case FORMAT_YAML, "":
		ext = ".yaml"
		data, err = yaml.Marshal(doc)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, id+ext)
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}

	l.cache.Set(id, doc, gocache.NoExpiration)
	logger.Info("saved workflow", zap.String("id", id), zap.String("file", path))
	return path, nil
}

// List returns file-level summaries for one category, or all categories when
// category is empty. Unlike LoadAll it reads metadata only and does not
// touch the cache.
func (l *Loader) List(category string) ([]model.WorkflowFileInfo, error) {
	categories := model.Categories
	if category != "" {
		categories = []model.Category{model.Category(category)}
	}

	var infos []model.WorkflowFileInfo
	for _, cat := range categories {
		dir := filepath.Join(l.definitionsDir, string(cat))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !supportedExtension(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			doc, err := l.loadFile(path)
			if err != nil {
				logger.Error("failed to read workflow metadata", zap.String("file", path), zap.Error(err))
				continue
			}
			meta, _ := doc["metadata"].(map[string]any)
			rel, _ := filepath.Rel(l.workflowsDir, path)
			infos = append(infos, model.WorkflowFileInfo{
				Id:          cast.ToString(meta["id"]),
				Name:        cast.ToString(meta["name"]),
				Type:        model.Category(cast.ToString(meta["type"])),
				Version:     cast.ToString(meta["version"]),
				Description: cast.ToString(meta["description"]),
				File:        rel,
			})
		}
	}
	return infos, nil
}

func (l *Loader) loadFile(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return model.Document(doc), nil
}

func supportedExtension(name string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func documentId(doc model.Document) string {
	meta, _ := doc["metadata"].(map[string]any)
	return cast.ToString(meta["id"])
}
