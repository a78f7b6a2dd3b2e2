package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// CUEParser parses inventories written in CUE. Sources are unified, then checked
// against the #Inventory schema, so a CUE inventory can compute hosts with
// comprehensions and share fields through definitions.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	sr := NewSchemaRegistry()
	return &CUEParser{
		ctx:            sr.Context(),
		schemaRegistry: sr,
	}
}

// Parse unifies the given files or package directories into one inventory.
// Schema and syntax problems are returned as ValidationErrors with positions.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*InventoryFile, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var parseErrors ValidationErrors

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			val, errs = cp.loadDirectory(source)
		} else {
			val, errs = cp.loadFile(source)
		}
		parseErrors = append(parseErrors, errs...)

		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return nil, parseErrors
	}
	return cp.extract(cueValue)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*InventoryFile, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	return cp.extract(val)
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extract checks val against the inventory schema and decodes it.
func (cp *CUEParser) extract(val cue.Value) (*InventoryFile, error) {
	unified, err := cp.schemaRegistry.Unify("inventory", val)
	if err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	// Going through JSON keeps integers as int when decoded by yaml.v3, the same
	// as a YAML inventory.
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export inventory: %w", err)
	}
	var inv InventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}
	return &inv, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		// Prefer the user's file over the schema side of a conflict.
		for _, p := range errors.Positions(e) {
			if file == "" || strings.HasPrefix(file, schemaFilePrefix) {
				file, line, column = p.Filename(), p.Line(), p.Column()
			}
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadFromDirectory lists every CUE file below dir.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
