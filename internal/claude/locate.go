package claude

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const executableName = "claude"

// Locate resolves the claude CLI executable. Resolution order: PATH lookup,
// a copy vendored under the project's node_modules, the user's global npm
// install, then common OS binary locations.
func Locate(projectDir string) (string, error) {
	if path, err := exec.LookPath(executableName); err == nil {
		return path, nil
	}

	var candidates []string
	if projectDir != "" {
		candidates = append(candidates, filepath.Join(projectDir, "node_modules", ".bin", executableName))
	}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".claude", "local", executableName),
			filepath.Join(home, ".npm-global", "bin", executableName),
			filepath.Join(home, "node_modules", ".bin", executableName),
			filepath.Join(home, ".yarn", "bin", executableName),
		)
	}

	candidates = append(candidates, systemPaths(home)...)

	for _, candidate := range candidates {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: searched PATH, project node_modules and common install locations", ErrExecutableNotFound)
}

func systemPaths(home string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/usr/local/bin/" + executableName,
			"/opt/homebrew/bin/" + executableName,
		}
	default:
		paths := []string{
			"/usr/local/bin/" + executableName,
			"/usr/bin/" + executableName,
		}
		if home != "" {
			paths = append(paths, filepath.Join(home, ".local", "bin", executableName))
		}
		return paths
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
