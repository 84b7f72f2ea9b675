// Package model defines the domain types and value objects for portkeeper.
//
// This package contains pure data structures with no external dependencies:
// the closed ServiceType and Environment enums, Allocation rows as stored
// in the registry, port ranges, process lifecycle states, and the error
// taxonomy shared by every layer.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
