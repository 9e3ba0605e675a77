// Package definition loads YAML flow definitions, validates them and serves
// them from a registry that is swapped atomically on reload.
package definition

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/rentalportal/model"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Loader parses definition files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadBuiltin returns the definitions compiled into the binary.
func (l *Loader) LoadBuiltin() ([]model.DomainDefinition, error) {
	return l.LoadFS(builtinFS, "builtin")
}

// LoadAll loads the built-in definitions followed by every *.yaml and *.yml
// file found recursively under directories.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	defs, err := l.LoadBuiltin()
	if err != nil {
		return nil, fmt.Errorf("loading builtin definitions: %w", err)
	}
	for _, dir := range directories {
		more, err := l.LoadFS(os.DirFS(dir), ".")
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		for i := range more {
			more[i].SourceFile = path.Join(dir, more[i].SourceFile)
		}
		defs = append(defs, more...)
	}
	return defs, nil
}

// LoadFS walks root inside fsys and parses every YAML file it finds.
func (l *Loader) LoadFS(fsys fs.FS, root string) ([]model.DomainDefinition, error) {
	var defs []model.DomainDefinition
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		def, err := l.Parse(data, p)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(p string) (model.DomainDefinition, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return l.Parse(data, p)
}

// Parse decodes one definition document. Unknown keys are rejected.
func (l *Loader) Parse(data []byte, source string) (model.DomainDefinition, error) {
	var def model.DomainDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.DomainDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source
	return def, nil
}
