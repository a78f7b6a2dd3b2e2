package transports

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// ExpandHome replaces a leading "~" or "~/" in path with home.
// Any other path, including "~user/...", is returned unchanged.
func ExpandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return strings.TrimSuffix(home, "/") + path[1:]
	}
	return path
}

// ExpandLocalHome expands a leading "~" against the control machine's home.
func ExpandLocalHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return ExpandHome(path, home)
}

var cliHomePattern = regexp.MustCompile(`(^|\s)(~/\S*)`)

// ResolveCliArguments expands every "~/" token of an argument list against the
// control machine's home. SSH arguments are consumed by the local ssh binary, so
// a quoted tilde would otherwise never be expanded.
func ResolveCliArguments(arguments string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return arguments
	}
	return resolveCliArguments(arguments, home)
}

func resolveCliArguments(arguments, home string) string {
	return cliHomePattern.ReplaceAllStringFunc(arguments, func(match string) string {
		prefix := ""
		if match[0] != '~' {
			prefix, match = match[:1], match[1:]
		}
		return prefix + ExpandHome(match, home)
	})
}

// ResolveArgs applies ResolveCliArguments to each argument.
func ResolveArgs(args []string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return args
	}
	resolved := make([]string, len(args))
	for i, arg := range args {
		resolved[i] = resolveCliArguments(arg, home)
	}
	return resolved
}

var safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ShellQuote quotes s for a POSIX shell. Words made only of safe characters are
// returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes each argument and joins them with spaces.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// ExportEnv renders env as a shell prefix ("export A=1 B=2; "), sorted by name.
// It returns an empty string for an empty env.
func ExportEnv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("export")
	for _, name := range names {
		sb.WriteString(" " + name + "=" + ShellQuote(env[name]))
	}
	sb.WriteString("; ")
	return sb.String()
}
