package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrOutsideRoot is returned when a path escapes its root directory
var ErrOutsideRoot = errors.New("path escapes root directory")

// sandboxIDRegex matches ids minted by the sandbox provider
var sandboxIDRegex = regexp.MustCompile(`^sbx_[0-9a-f]{8}$`)

// containerNameRegex matches names the container engine accepts
var containerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateSandboxID checks that id has the sbx_xxxxxxxx form
func ValidateSandboxID(id string) error {
	if id == "" {
		return fmt.Errorf("sandbox ID cannot be empty")
	}
	if !sandboxIDRegex.MatchString(id) {
		return fmt.Errorf("invalid sandbox ID format: %s", id)
	}
	return nil
}

// ContainedPath cleans path and verifies it lies within root (root itself
// included). Both must be absolute.
func ContainedPath(root, path string) (string, error) {
	if !filepath.IsAbs(root) {
		return "", fmt.Errorf("root must be absolute: %s", root)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	root = filepath.Clean(root)
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return path, nil
}

// ValidateContainerRef validates a container reference: a hex ID (short
// or full) or a container name.
func ValidateContainerRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if len(ref) > 128 {
		return fmt.Errorf("container reference too long: %s", ref)
	}
	if isHexID(ref) {
		return nil
	}
	if !containerNameRegex.MatchString(ref) {
		return fmt.Errorf("invalid container reference: %s", ref)
	}
	return nil
}

func isHexID(id string) bool {
	if len(id) < 12 || len(id) > 64 {
		return false
	}
	for _, c := range id {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		if !isDigit && !isLowerHex {
			return false
		}
	}
	return true
}
