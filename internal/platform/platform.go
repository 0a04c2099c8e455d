// Package platform wraps OS-specific file operations.
package platform
