package config

import (
	"fmt"
	"time"
)

// InventoryFile is the on-disk inventory, in YAML or CUE.
type InventoryFile struct {
	// Config holds global config entries applied before the recipe's own.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Defaults are merged into every remote host that leaves a field empty.
	Defaults HostDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Hosts are the deployment targets in declaration order.
	Hosts []HostConfig `yaml:"hosts" json:"hosts" validate:"required,min=1,dive"`
}

// HostDefaults are connection settings shared by all hosts of an inventory.
type HostDefaults struct {
	User         string   `yaml:"user,omitempty" json:"user,omitempty"`
	Port         int      `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	IdentityFile string   `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
	SSHArguments []string `yaml:"ssh_arguments,omitempty" json:"ssh_arguments,omitempty"`
	Become       string   `yaml:"become,omitempty" json:"become,omitempty"`
	Client       string   `yaml:"client,omitempty" json:"client,omitempty" validate:"omitempty,oneof=openssh native"`
}

// HostConfig declares one host.
type HostConfig struct {
	// Name is the alias used in selectors, reports and lock records.
	Name string `yaml:"name" json:"name" validate:"required,excludesall=/\\ "`

	// Hostname is the address to connect to. Defaults to Name.
	Hostname string `yaml:"hostname,omitempty" json:"hostname,omitempty" validate:"omitempty,hostname_rfc1123|ip"`

	// Local marks the control machine. Local hosts ignore every SSH field.
	Local bool `yaml:"local,omitempty" json:"local,omitempty"`

	User         string   `yaml:"user,omitempty" json:"user,omitempty"`
	Port         int      `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	IdentityFile string   `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
	SSHArguments []string `yaml:"ssh_arguments,omitempty" json:"ssh_arguments,omitempty"`
	Become       string   `yaml:"become,omitempty" json:"become,omitempty"`

	// Client selects the SSH implementation: openssh (default) or native.
	Client string `yaml:"client,omitempty" json:"client,omitempty" validate:"omitempty,oneof=openssh native"`

	// Labels are matched by --selector.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`

	// Config holds host-level config entries shadowing the global ones.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "hosts[1].port").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is returned when a file parses but fails validation.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].String()
	}
	msg := fmt.Sprintf("%d validation errors:", len(errs))
	for _, e := range errs {
		msg += "\n  " + e.String()
	}
	return msg
}

// RecipeResult summarizes a loaded recipe.
type RecipeResult struct {
	// Files lists every recipe file executed, includes first.
	Files []string `json:"files"`

	// Tasks is the number of tasks registered.
	Tasks int `json:"tasks"`

	// LoadTime is how long evaluation took.
	LoadTime time.Duration `json:"load_time"`
}
