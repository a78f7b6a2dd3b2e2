package engine

import (
	"fmt"
	"sort"
	"strings"
)

// HostKind distinguishes the control machine from SSH targets.
type HostKind string

const (
	// HostKindLocal executes on the control machine.
	HostKindLocal HostKind = "local"

	// HostKindRemote executes over SSH.
	HostKindRemote HostKind = "remote"
)

// SSHClient selects how a remote host is reached.
type SSHClient string

const (
	// SSHClientOpenSSH shells out to the system ssh and rsync binaries.
	SSHClientOpenSSH SSHClient = "openssh"

	// SSHClientNative uses the in-process SSH client and SFTP.
	SSHClientNative SSHClient = "native"
)

// LocalhostName is the name of the control machine pseudo-host.
const LocalhostName = "localhost"

// Host represents one deployment target. Hosts are declared once at process start
// and must not be modified after a run has started.
type Host struct {
	// Name is the alias used in selectors and reports.
	Name string `json:"name"`

	// Hostname is the address to connect to. Defaults to Name.
	Hostname string `json:"hostname"`

	// Kind is local or remote.
	Kind HostKind `json:"kind"`

	// User is the SSH login user.
	User string `json:"user,omitempty"`

	// Port is the SSH port (0 means the client default).
	Port int `json:"port,omitempty"`

	// IdentityFile is the private key passed to ssh.
	IdentityFile string `json:"identity_file,omitempty"`

	// SSHArguments are extra arguments passed verbatim to ssh.
	SSHArguments []string `json:"ssh_arguments,omitempty"`

	// Become runs remote commands and transfers as this user via sudo.
	Become string `json:"become,omitempty"`

	// Client selects the SSH implementation for remote hosts.
	Client SSHClient `json:"client,omitempty"`

	// Labels are used by label selectors.
	Labels map[string]string `json:"labels,omitempty"`

	config map[string]*entry
	order  []string
}

// NewHost creates a remote host reached through the system ssh client.
func NewHost(name string) *Host {
	return &Host{
		Name:     name,
		Hostname: name,
		Kind:     HostKindRemote,
		Client:   SSHClientOpenSSH,
		Labels:   make(map[string]string),
		config:   make(map[string]*entry),
	}
}

// Localhost creates the control machine pseudo-host.
func Localhost() *Host {
	h := NewHost(LocalhostName)
	h.Kind = HostKindLocal
	h.Client = ""
	return h
}

// IsLocal returns true when commands for this host run on the control machine.
func (h *Host) IsLocal() bool {
	return h.Kind == HostKindLocal
}

// Set registers a host-level config entry. It shadows the global entry of the same
// key for this host only and never modifies the global entry.
func (h *Host) Set(key string, value interface{}) *Host {
	if h.config == nil {
		h.config = make(map[string]*entry)
	}
	if _, exists := h.config[key]; !exists {
		h.order = append(h.order, key)
	}
	h.config[key] = newEntry(key, value)
	return h
}

// Has reports whether the host overlay defines key.
func (h *Host) Has(key string) bool {
	_, ok := h.config[key]
	return ok
}

// ConfigKeys returns the overlay keys in declaration order.
func (h *Host) ConfigKeys() []string {
	return append([]string(nil), h.order...)
}

// Destination returns the ssh destination (user@hostname).
func (h *Host) Destination() string {
	hostname := h.Hostname
	if hostname == "" {
		hostname = h.Name
	}
	if h.User == "" {
		return hostname
	}
	return h.User + "@" + hostname
}

// String implements fmt.Stringer.
func (h *Host) String() string {
	return h.Name
}

// Validate checks the host declaration.
func (h *Host) Validate() error {
	if h.Name == "" {
		return NewPermanentError("host has empty name", nil).WithCode(ErrCodeValidation)
	}
	switch h.Kind {
	case HostKindLocal:
	case HostKindRemote:
		switch h.Client {
		case SSHClientOpenSSH, SSHClientNative, "":
		default:
			return NewPermanentError(fmt.Sprintf("unsupported ssh client %q", h.Client), nil).
				WithCode(ErrCodeValidation).WithResource(h.Name)
		}
	default:
		return NewPermanentError(fmt.Sprintf("unsupported host kind %q", h.Kind), nil).
			WithCode(ErrCodeValidation).WithResource(h.Name)
	}
	if h.Port < 0 || h.Port > 65535 {
		return NewPermanentError(fmt.Sprintf("invalid port: %d", h.Port), nil).
			WithCode(ErrCodeValidation).WithResource(h.Name)
	}
	return nil
}

// HostSet is an ordered collection of hosts.
type HostSet struct {
	hosts []*Host
	index map[string]*Host
}

// NewHostSet creates a host set. Duplicate names are rejected.
func NewHostSet(hosts ...*Host) (*HostSet, error) {
	s := &HostSet{index: make(map[string]*Host)}
	for _, h := range hosts {
		if err := s.Add(h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a host to the set.
func (s *HostSet) Add(h *Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if s.index == nil {
		s.index = make(map[string]*Host)
	}
	if _, exists := s.index[h.Name]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate host: %s", h.Name), nil).
			WithCode(ErrCodeValidation).WithResource(h.Name)
	}
	s.hosts = append(s.hosts, h)
	s.index[h.Name] = h
	return nil
}

// Get returns the host with the given name.
func (s *HostSet) Get(name string) (*Host, bool) {
	h, ok := s.index[name]
	return h, ok
}

// All returns the hosts in declaration order.
func (s *HostSet) All() []*Host {
	return append([]*Host(nil), s.hosts...)
}

// Len returns the number of hosts.
func (s *HostSet) Len() int {
	return len(s.hosts)
}

// Select returns the named hosts in declaration order.
func (s *HostSet) Select(names []string) ([]*Host, error) {
	if len(names) == 0 {
		return s.All(), nil
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := s.index[name]; !ok {
			return nil, NewPermanentError(fmt.Sprintf("host not found: %s", name), nil).
				WithCode(ErrCodeValidation).WithResource(name)
		}
		wanted[name] = true
	}
	selected := make([]*Host, 0, len(names))
	for _, h := range s.hosts {
		if wanted[h.Name] {
			selected = append(selected, h)
		}
	}
	return selected, nil
}

// SelectByLabels selects hosts based on a selector.
// Selector format: "key1=value1,key2=value2" or "all" for all hosts.
func (s *HostSet) SelectByLabels(selector string) []*Host {
	labels := parseSelector(selector)
	selected := make([]*Host, 0)
	for _, h := range s.hosts {
		if matchesLabels(h.Labels, labels) {
			selected = append(selected, h)
		}
	}
	return selected
}

// Names returns the host names in declaration order.
func (s *HostSet) Names() []string {
	names := make([]string, 0, len(s.hosts))
	for _, h := range s.hosts {
		names = append(names, h.Name)
	}
	return names
}

// parseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func parseSelector(selector string) map[string]string {
	labels := make(map[string]string)

	if selector == "" || selector == "all" {
		return labels
	}

	pairs := strings.Split(selector, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			labels[key] = value
		}
	}

	return labels
}

// matchesLabels checks if host labels match the selector labels.
func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	if len(selectorLabels) == 0 {
		return true
	}

	for key, value := range selectorLabels {
		hostValue, ok := hostLabels[key]
		if !ok || hostValue != value {
			return false
		}
	}

	return true
}

// FormatLabels renders labels as a sorted selector string.
func FormatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}
