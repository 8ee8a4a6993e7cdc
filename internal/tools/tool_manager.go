package tools

import (
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"refbuild/internal/config"
	"refbuild/internal/logging"
)

// ToolManager checks the availability of the external programs.
type ToolManager struct {
	cfg *config.Config
	log *slog.Logger
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config, log *slog.Logger) *ToolManager {
	return &ToolManager{cfg: cfg, log: logging.OrDiscard(log)}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Binary maps a logical tool name to the configured executable.
func (tm *ToolManager) Binary(toolName string) string {
	switch toolName {
	case "swarp":
		return binary(tm.cfg.Tools.Swarp, "swarp")
	case "psfex":
		return binary(tm.cfg.Tools.PSFEx, "psfex")
	case "funpack":
		return binary(tm.cfg.Tools.Funpack, "funpack")
	case "downstream":
		return tm.cfg.Downstream.Command
	}
	return toolName
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	st := tm.detect(toolName)
	logging.LogToolStatus(tm.log, toolName, st.Available, st.Version, st.Path, st.Error)
	return st
}

func (tm *ToolManager) detect(toolName string) ToolStatus {
	binaryName := tm.Binary(toolName)
	if binaryName == "" {
		return ToolStatus{Available: false, Error: exec.ErrNotFound}
	}

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var versionArgs []string
	switch toolName {
	case "swarp", "psfex":
		// both print "<name> version x.y.z (date)" for -v
		versionArgs = []string{"-v"}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(binaryName, versionArgs...).CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Required lists the tools a run with the current configuration needs.
func (tm *ToolManager) Required() []string {
	names := []string{"swarp"}
	if tm.cfg.Coadd.Enabled {
		names = append(names, "psfex")
	}
	if tm.cfg.Downstream.Command != "" {
		names = append(names, "downstream")
	}
	return names
}

// GetToolStatus returns the status of every known tool.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, name := range []string{"swarp", "psfex", "funpack", "downstream"} {
		if name == "downstream" && tm.cfg.Downstream.Command == "" {
			continue
		}
		status[name] = tm.CheckTool(name)
	}
	return status
}

// Missing returns the required tools that are not available, sorted.
func (tm *ToolManager) Missing() []string {
	var missing []string
	for _, name := range tm.Required() {
		if !tm.CheckTool(name).Available {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
