// Package schemas holds the payload type schemas and transform mappings the
// exchange pipeline validates against. The invoice pair ships embedded;
// additional documents can be loaded from a directory at startup.
package schemas

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/odin-protocol/signet/pkg/transform"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed types/*.schema.json
var typeFS embed.FS

//go:embed maps/*.json
var mapFS embed.FS

// Registry resolves payload types to compiled schemas and type pairs to
// transform mappings. Read-only after Load.
type Registry struct {
	schemas  map[string]*jsonschema.Schema
	docs     map[string]map[string]interface{}
	mappings map[string]transform.Mapping
}

// Load compiles the embedded documents plus any *.schema.json / mapping
// *.json files under extraDir (empty to skip).
func Load(extraDir string) (*Registry, error) {
	r := &Registry{
		schemas:  make(map[string]*jsonschema.Schema),
		docs:     make(map[string]map[string]interface{}),
		mappings: make(map[string]transform.Mapping),
	}
	if err := r.loadFS(typeFS, "types", mapFS, "maps"); err != nil {
		return nil, err
	}
	if extraDir != "" {
		if err := r.loadDir(extraDir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadFS(types fs.FS, typesDir string, maps fs.FS, mapsDir string) error {
	typeEntries, err := fs.ReadDir(types, typesDir)
	if err != nil {
		return err
	}
	for _, e := range typeEntries {
		raw, err := fs.ReadFile(types, typesDir+"/"+e.Name())
		if err != nil {
			return err
		}
		if err := r.addSchema(e.Name(), raw); err != nil {
			return err
		}
	}
	mapEntries, err := fs.ReadDir(maps, mapsDir)
	if err != nil {
		return err
	}
	for _, e := range mapEntries {
		raw, err := fs.ReadFile(maps, mapsDir+"/"+e.Name())
		if err != nil {
			return err
		}
		if err := r.addMapping(e.Name(), raw); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		switch {
		case strings.HasSuffix(e.Name(), ".schema.json"):
			if err := r.addSchema(e.Name(), raw); err != nil {
				return err
			}
		case strings.Contains(e.Name(), "__") && strings.HasSuffix(e.Name(), ".json"):
			if err := r.addMapping(e.Name(), raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// addSchema compiles filename "<type>.schema.json" into the registry.
func (r *Registry) addSchema(filename string, raw []byte) error {
	typeName := strings.TrimSuffix(filename, ".schema.json")
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(filename, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("schema %s: %w", typeName, err)
	}
	schema, err := compiler.Compile(filename)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", typeName, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema %s: %w", typeName, err)
	}
	r.schemas[typeName] = schema
	r.docs[typeName] = doc
	return nil
}

// addMapping parses filename "<source>__<target>.json" into the registry.
func (r *Registry) addMapping(filename string, raw []byte) error {
	pair := strings.TrimSuffix(filename, ".json")
	var m transform.Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("mapping %s: %w", pair, err)
	}
	r.mappings[pair] = m
	return nil
}

// Schema returns the compiled schema for a payload type.
func (r *Registry) Schema(payloadType string) (*jsonschema.Schema, bool) {
	s, ok := r.schemas[payloadType]
	return s, ok
}

// SchemaDoc returns the raw (uncompiled) schema document for a payload type,
// for callers that hand the schema to an external service.
func (r *Registry) SchemaDoc(payloadType string) (map[string]interface{}, bool) {
	d, ok := r.docs[payloadType]
	return d, ok
}

// Mapping returns the transform document for a source/target pair.
func (r *Registry) Mapping(sourceType, targetType string) (transform.Mapping, bool) {
	m, ok := r.mappings[sourceType+"__"+targetType]
	return m, ok
}

// Validate checks v against the named payload type. v is round-tripped
// through JSON first so arbitrary Go values (int64 minors and the like)
// land in the shapes the validator understands.
func (r *Registry) Validate(payloadType string, v interface{}) error {
	schema, ok := r.schemas[payloadType]
	if !ok {
		return fmt.Errorf("unknown payload type %q", payloadType)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
