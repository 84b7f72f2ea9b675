// Package lifecycle moves a project's supervised processes through their
// states: configured, running, stopped, crashed and deleted.
//
// The supervisor is the source of truth for process state; the registry
// only records whether a descriptor was generated for an allocation.
// Every operation reports a result per process, and one failing process
// never prevents its siblings from being handled.
package lifecycle
