package vfs

import (
	"fmt"
	"strings"
)

// MaxPathLength is the longest path, in bytes, the VFS accepts at any API
// entry point.
const MaxPathLength = 256

// NormalizePath rewrites `path` into canonical absolute form:
//
//  1. Non-absolute paths are prefixed with "/".
//  2. Repeated slashes collapse to one.
//  3. "." segments are removed.
//  4. "x/.." segment pairs are removed; ".." at the root stays at the root.
//  5. A trailing "/" is removed unless the whole path is "/".
//
// Normalization is idempotent. Paths longer than [MaxPathLength] fail with
// ErrInvalidArgument.
func NormalizePath(path string) (string, DriverError) {
	if len(path) > MaxPathLength {
		return "", ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path exceeds %d bytes", MaxPathLength),
		)
	}

	segments := make([]string, 0, 8)
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "", ".":
			// Empty segments come from repeated or leading slashes.
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
		default:
			segments = append(segments, segment)
		}
	}

	if len(segments) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(segments, "/"), nil
}

// SplitPath separates a normalized path into its parent directory and base
// name. The root has itself as parent and an empty base name.
func SplitPath(path string) (parent string, base string) {
	if path == "/" {
		return "/", ""
	}

	idx := strings.LastIndexByte(path, '/')
	base = path[idx+1:]
	if idx == 0 {
		return "/", base
	}
	return path[:idx], base
}

// PathComponents splits a normalized absolute path into its segments. The
// root yields an empty slice.
func PathComponents(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// isPathPrefix reports whether mountPath is a prefix of path under mount
// semantics: either the paths are equal, or the first byte of path after
// mountPath is a slash. mountPath "/" prefixes everything.
func isPathPrefix(mountPath, path string) bool {
	if mountPath == "/" {
		return true
	}
	if !strings.HasPrefix(path, mountPath) {
		return false
	}
	return len(path) == len(mountPath) || path[len(mountPath)] == '/'
}

// relativizePath rewrites an absolute path into the path within the mount
// whose mount point is mountPath. The result is itself absolute, rooted at
// the mount.
func relativizePath(mountPath, path string) string {
	if mountPath == "/" {
		return path
	}

	rel := path[len(mountPath):]
	if rel == "" {
		return "/"
	}
	return rel
}
