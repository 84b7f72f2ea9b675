// Package watch follows the registry file and reacts to every committed
// change, typically by regenerating each project's port files.
package watch
