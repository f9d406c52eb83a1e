// Package project loads and validates the ragsync project file: the ordered
// lists of source and sink instances plus the state and credential store
// locations. The file is read-only input to the engine and never mutated.
package project

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "ragsync://project.schema.json"

// PluginConfig is one configured use of a plugin, in configuration order.
type PluginConfig struct {
	Plugin     string         `yaml:"plugin"`
	Unofficial bool           `yaml:"unofficial"`
	Config     map[string]any `yaml:"config"`
}

type Project struct {
	Name        string         `yaml:"name"`
	State       string         `yaml:"state"`
	Credentials string         `yaml:"credentials"`
	Sources     []PluginConfig `yaml:"sources"`
	Sinks       []PluginConfig `yaml:"sinks"`

	// dir is the project file's directory; relative state and credential
	// paths resolve against it.
	dir string
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func projectSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Load reads, validates, and decodes a project file.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	if err := validate(data); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}
	var proj Project
	if err := yaml.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	proj.dir = filepath.Dir(abs)
	return &proj, nil
}

// validate checks the YAML document against the embedded JSON Schema. The
// document is round-tripped through JSON so scalar types match what the
// schema validator expects.
func validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	schema, err := projectSchema()
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// StateDSN returns the tracking-state DSN, defaulting to a JSON file next
// to the project file.
func (p *Project) StateDSN() string {
	dsn := strings.TrimSpace(p.State)
	if dsn == "" {
		return filepath.Join(p.dir, ".ragsync", "state.json")
	}
	return p.resolvePath(dsn)
}

// CredentialsPath returns the credential store path, defaulting to a file
// next to the project file.
func (p *Project) CredentialsPath() string {
	path := strings.TrimSpace(p.Credentials)
	if path == "" {
		return filepath.Join(p.dir, ".ragsync", "credentials.json")
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.dir, path)
}

// resolvePath anchors relative file paths and file:// DSNs at the project
// directory; other DSN schemes pass through untouched.
func (p *Project) resolvePath(dsn string) string {
	if strings.Contains(dsn, "://") {
		const filePrefix = "file://"
		if strings.HasPrefix(dsn, filePrefix) {
			rest := strings.TrimPrefix(dsn, filePrefix)
			if !filepath.IsAbs(rest) {
				return filePrefix + filepath.Join(p.dir, rest)
			}
		}
		return dsn
	}
	if filepath.IsAbs(dsn) {
		return dsn
	}
	return filepath.Join(p.dir, dsn)
}

// Instances constructs source and sink adapters for every configured
// instance through the plugin registry. Ordinals count per plugin identity,
// so identifiers stay stable as long as configuration order is stable.
func (p *Project) Instances() ([]ragsync.SourceInstance, []ragsync.SinkInstance, error) {
	sourceOrdinals := map[string]int{}
	sources := make([]ragsync.SourceInstance, 0, len(p.Sources))
	for _, entry := range p.Sources {
		identity := strings.ToLower(strings.TrimSpace(entry.Plugin))
		source, err := ragsync.NewSource(identity)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, ragsync.SourceInstance{
			InstanceRef: ragsync.InstanceRef{
				Identity:   identity,
				Ordinal:    sourceOrdinals[identity],
				Unofficial: entry.Unofficial,
				Config:     entry.Config,
			},
			Source: source,
		})
		sourceOrdinals[identity]++
	}

	sinkOrdinals := map[string]int{}
	sinks := make([]ragsync.SinkInstance, 0, len(p.Sinks))
	for _, entry := range p.Sinks {
		identity := strings.ToLower(strings.TrimSpace(entry.Plugin))
		sink, err := ragsync.NewSink(identity)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ragsync.SinkInstance{
			InstanceRef: ragsync.InstanceRef{
				Identity:   identity,
				Ordinal:    sinkOrdinals[identity],
				Unofficial: entry.Unofficial,
				Config:     entry.Config,
			},
			Sink: sink,
		})
		sinkOrdinals[identity]++
	}
	return sources, sinks, nil
}
