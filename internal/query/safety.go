package query

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// SafetyPolicy validates tool invocations before they execute. Bash commands
// are screened for destructive patterns and rm targets; file-touching tools
// must resolve inside the allow-list.
type SafetyPolicy struct {
	// AllowedDirs are roots tools may touch. Empty means unrestricted.
	AllowedDirs []string
	// TempDirs are additionally readable (not writable).
	TempDirs []string
}

// blockedCommands match regardless of the rest of the command line.
var blockedCommands = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(-[a-zA-Z]*\s+)*/\s*($|;|&|\|)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(-[a-zA-Z]*\s+)*/\*`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`\bdd\b[^|;]*\bof=/dev/(sd|hd|nvme|vd|xvd)`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bwipefs\b`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd|xvd)`),
	regexp.MustCompile(`\bsgdisk\b.*(--zap|--clear)`),
}

// fileTools take a file_path argument subject to the allow-list.
var fileTools = map[string]bool{
	"Read":  true,
	"Write": true,
	"Edit":  true,
	"read":  true,
	"write": true,
	"edit":  true,
}

// Validate checks one tool invocation. A non-empty reason rejects it.
func (p *SafetyPolicy) Validate(toolName string, input map[string]interface{}) (reason string) {
	if p == nil {
		return ""
	}

	switch {
	case toolName == "Bash" || toolName == "bash" || toolName == "execute":
		command, _ := input["command"].(string)
		if command == "" {
			return ""
		}
		return p.validateBash(command)

	case fileTools[toolName]:
		path, _ := input["file_path"].(string)
		if path == "" {
			path, _ = input["path"].(string)
		}
		if path == "" {
			return ""
		}
		readOnly := strings.EqualFold(toolName, "read")
		return p.validatePath(path, readOnly)
	}
	return ""
}

func (p *SafetyPolicy) validateBash(command string) string {
	for _, re := range blockedCommands {
		if re.MatchString(command) {
			return fmt.Sprintf("blocked command pattern: %s", re.String())
		}
	}

	if len(p.AllowedDirs) == 0 {
		return ""
	}
	for _, target := range rmTargets(command) {
		resolved := resolvePath(target)
		if !p.inDirs(resolved, p.AllowedDirs) {
			return fmt.Sprintf("rm target outside allowed directories: %s", target)
		}
	}
	return ""
}

func (p *SafetyPolicy) validatePath(path string, readOnly bool) string {
	if len(p.AllowedDirs) == 0 {
		return ""
	}
	resolved := resolvePath(path)
	if p.inDirs(resolved, p.AllowedDirs) {
		return ""
	}
	if readOnly && p.inDirs(resolved, p.TempDirs) {
		return ""
	}
	return fmt.Sprintf("path outside allowed directories: %s", path)
}

func (p *SafetyPolicy) inDirs(path string, dirs []string) bool {
	for _, dir := range dirs {
		dir = resolvePath(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath follows symlinks so an allow-listed alias cannot smuggle a
// target outside the list. Nonexistent paths resolve lexically.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	// The leaf may not exist yet; resolve the parent instead.
	dir, base := filepath.Split(abs)
	if real, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(real, base)
	}
	return filepath.Clean(abs)
}

// rmTargets pulls the non-flag arguments out of every rm invocation in a
// command line. Quoting is handled naively; a quoted path with spaces still
// resolves because each fragment resolves under the same parent.
func rmTargets(command string) []string {
	var targets []string
	for _, segment := range splitCommand(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		if filepath.Base(fields[0]) != "rm" {
			continue
		}
		for _, arg := range fields[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			targets = append(targets, strings.Trim(arg, `"'`))
		}
	}
	return targets
}

func splitCommand(command string) []string {
	return regexp.MustCompile(`&&|\|\||;|\|`).Split(command, -1)
}
