package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Package sources contains pluggable scrape-target configs (YAML/JSON) helpers.

const pagePlaceholder = "{page}"

// Source declares one paginated listing target.
type Source struct {
	Name            string            `json:"name" yaml:"name"`
	Type            string            `json:"type" yaml:"type"`
	Description     string            `json:"description" yaml:"description"`
	SourceURL       string            `json:"source_url" yaml:"source_url"`
	PageURLTemplate string            `json:"page_url_template" yaml:"page_url_template"`
	RequestDelayMs  int               `json:"request_delay_ms" yaml:"request_delay_ms"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
	Active          *bool             `json:"active" yaml:"active"`
	Config          map[string]any    `json:"config" yaml:"config"`
}

type registryFile struct {
	Sources []Source `json:"sources" yaml:"sources"`
}

// Registry materializes source definitions loaded from a config file.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	idx     map[string]Source
}

var defaultRequestDelayMs = 2000

// LoadRegistry loads the source registry from a YAML/JSON file.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sources file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	fileReg, err := parseRegistry(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if len(fileReg.Sources) == 0 {
		return nil, errors.New("sources file contains no sources entries")
	}

	reg := &Registry{
		sources: make([]Source, len(fileReg.Sources)),
		idx:     make(map[string]Source, len(fileReg.Sources)),
	}
	for i := range fileReg.Sources {
		src := sanitizeSource(fileReg.Sources[i])
		if err := validateSource(src); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, exists := reg.idx[src.Name]; exists {
			return nil, fmt.Errorf("duplicate source name %q", src.Name)
		}
		reg.sources[i] = src
		reg.idx[src.Name] = src
	}

	return reg, nil
}

func parseRegistry(data []byte, ext string) (registryFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var reg registryFile
		if err := d.fn(data, &reg); err == nil {
			return reg, nil
		}
	}

	return registryFile{}, errors.New("sources file format not recognized (expected YAML or JSON)")
}

func sanitizeSource(s Source) Source {
	s.Name = strings.TrimSpace(s.Name)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.Description = strings.TrimSpace(s.Description)
	s.SourceURL = strings.TrimSpace(s.SourceURL)
	s.PageURLTemplate = strings.TrimSpace(s.PageURLTemplate)

	if s.Config == nil {
		s.Config = map[string]any{}
	}
	if s.RequestDelayMs <= 0 {
		s.RequestDelayMs = defaultRequestDelayMs
	}
	if s.Active == nil {
		def := true
		s.Active = &def
	}
	return s
}

func validateSource(s Source) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Type == "" {
		return fmt.Errorf("type is required for source %q", s.Name)
	}
	if s.SourceURL == "" {
		return fmt.Errorf("source_url is required for source %q", s.Name)
	}
	if s.PageURLTemplate == "" {
		return fmt.Errorf("page_url_template is required for source %q", s.Name)
	}
	if !strings.Contains(s.PageURLTemplate, pagePlaceholder) {
		return fmt.Errorf("page_url_template for source %q must contain %s", s.Name, pagePlaceholder)
	}
	return nil
}

// All returns a copy of the loaded sources.
func (r *Registry) All() []Source {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Active returns the sources with the active flag set.
func (r *Registry) Active() []Source {
	var out []Source
	for _, s := range r.All() {
		if s.Active != nil && *s.Active {
			out = append(out, s)
		}
	}
	return out
}

// ByName returns the source entry for the given name, if loaded.
func (r *Registry) ByName(name string) (Source, bool) {
	if r == nil {
		return Source{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Source{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.idx[name]
	return s, ok
}

// PageURL resolves the URL for the given 1-based page number. Page 1 is the
// entry URL; later pages substitute into the template.
func (s Source) PageURL(page int) string {
	if page <= 1 {
		return s.SourceURL
	}
	return strings.ReplaceAll(s.PageURLTemplate, pagePlaceholder, fmt.Sprintf("%d", page))
}

// RequestDelay returns the per-page throttle duration for the source.
func (s Source) RequestDelay() time.Duration {
	if s.RequestDelayMs <= 0 {
		return time.Duration(defaultRequestDelayMs) * time.Millisecond
	}
	return time.Duration(s.RequestDelayMs) * time.Millisecond
}
