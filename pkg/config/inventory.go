package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Inventory is a loaded and validated set of hosts plus the global config
// entries declared next to them.
type Inventory struct {
	// Source is the file or directory the inventory was read from.
	Source string

	// Hosts holds the hosts in declaration order, host overlays applied.
	Hosts *engine.HostSet

	// Config holds the global entries of the inventory.
	Config map[string]interface{}
}

// LoadInventory reads an inventory file. Files ending in .cue and directories are
// parsed as CUE; everything else as YAML.
func LoadInventory(ctx context.Context, path string) (*Inventory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var file *InventoryFile
	if info.IsDir() || filepath.Ext(path) == ".cue" {
		file, err = NewCUEParser().Parse(ctx, []string{path})
	} else {
		var data []byte
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read inventory: %w", err)
		}
		file, err = ParseInventoryYAML(data)
	}
	if err != nil {
		return nil, withFile(err, path)
	}

	inv, err := file.Build()
	if err != nil {
		return nil, withFile(err, path)
	}
	inv.Source = path
	return inv, nil
}

// ParseInventoryYAML decodes a YAML inventory. Unknown fields are rejected.
func ParseInventoryYAML(data []byte) (*InventoryFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file InventoryFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			errs := make(ValidationErrors, len(typeErr.Errors))
			for i, msg := range typeErr.Errors {
				errs[i] = yamlError(msg)
			}
			return nil, errs
		}
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return &file, nil
}

// yamlError turns "line 3: field foo not found in type ..." into a ValidationError.
func yamlError(msg string) ValidationError {
	ve := ValidationError{Message: msg, Severity: "error"}
	var line int
	if n, _ := fmt.Sscanf(msg, "line %d:", &line); n == 1 {
		ve.Line = line
		ve.Message = strings.TrimSpace(msg[strings.IndexByte(msg, ':')+1:])
	}
	return ve
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and host name uniqueness.
func (f *InventoryFile) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate inventory: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:     inventoryPath(fe.Namespace()),
				Message:  validationMessage(fe),
				Severity: "error",
			})
		}
	}

	seen := make(map[string]int, len(f.Hosts))
	for i, h := range f.Hosts {
		if h.Name == "" {
			continue
		}
		if first, ok := seen[h.Name]; ok {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("hosts[%d].name", i),
				Message:  fmt.Sprintf("host %q is already declared at hosts[%d]", h.Name, first),
				Severity: "error",
			})
			continue
		}
		seen[h.Name] = i
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// inventoryPath turns "InventoryFile.hosts[1].port" into "hosts[1].port".
func inventoryPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "excludesall":
		return "must not contain slashes or spaces"
	case "hostname_rfc1123|ip", "hostname_rfc1123", "ip":
		return fmt.Sprintf("%q is not a valid hostname or IP address", fe.Value())
	default:
		return fmt.Sprintf("failed on %s validation", fe.Tag())
	}
}

// Build validates the file and converts it into engine hosts.
func (f *InventoryFile) Build() (*Inventory, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	set, err := engine.NewHostSet()
	if err != nil {
		return nil, err
	}
	for _, hc := range f.Hosts {
		if err := set.Add(f.host(hc)); err != nil {
			return nil, err
		}
	}

	return &Inventory{
		Hosts:  set,
		Config: normalizeMap(f.Config),
	}, nil
}

func (f *InventoryFile) host(hc HostConfig) *engine.Host {
	var h *engine.Host
	if hc.Local {
		h = engine.Localhost()
		h.Name = hc.Name
		h.Hostname = hc.Name
	} else {
		h = engine.NewHost(hc.Name)
		d := f.Defaults
		h.User = firstNonEmpty(hc.User, d.User)
		h.Port = hc.Port
		if h.Port == 0 {
			h.Port = d.Port
		}
		h.IdentityFile = firstNonEmpty(hc.IdentityFile, d.IdentityFile)
		h.SSHArguments = hc.SSHArguments
		if len(h.SSHArguments) == 0 {
			h.SSHArguments = d.SSHArguments
		}
		h.Become = firstNonEmpty(hc.Become, d.Become)
		if client := firstNonEmpty(hc.Client, d.Client); client != "" {
			h.Client = engine.SSHClient(client)
		}
	}
	if hc.Hostname != "" {
		h.Hostname = hc.Hostname
	}
	for k, v := range hc.Labels {
		h.Labels[k] = v
	}

	config := normalizeMap(hc.Config)
	for _, k := range sortedConfigKeys(config) {
		h.Set(k, config[k])
	}
	return h
}

// Apply registers the inventory's global entries on e. Recipe entries set later
// replace them.
func (inv *Inventory) Apply(e *engine.Engine) {
	for _, k := range sortedConfigKeys(inv.Config) {
		e.Set(k, inv.Config[k])
	}
}

// Select returns the hosts named in names, or those matching selector, or all
// hosts when both are empty.
func (inv *Inventory) Select(names []string, selector string) ([]*engine.Host, error) {
	switch {
	case len(names) > 0 && selector != "":
		return nil, fmt.Errorf("host names and a label selector cannot be combined")
	case len(names) > 0:
		return inv.Hosts.Select(names)
	case selector != "":
		hosts := inv.Hosts.SelectByLabels(selector)
		if len(hosts) == 0 {
			return nil, fmt.Errorf("no host matches selector %q", selector)
		}
		return hosts, nil
	default:
		return inv.Hosts.All(), nil
	}
}

// normalizeMap converts decoded YAML values into the shapes the config store
// renders: lists of strings become []string, nested maps are normalized too.
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		strs := make([]string, 0, len(val))
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = normalizeValue(item)
			if s, ok := items[i].(string); ok {
				strs = append(strs, s)
			}
		}
		if len(strs) == len(items) {
			return strs
		}
		return items
	case map[string]interface{}:
		return normalizeMap(val)
	default:
		return v
	}
}

func sortedConfigKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// withFile stamps path on validation errors that carry no file of their own.
func withFile(err error, path string) error {
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("%s: %w", path, err)
	}
	out := make(ValidationErrors, len(errs))
	for i, e := range errs {
		if e.File == "" {
			e.File = path
		}
		out[i] = e
	}
	return out
}
