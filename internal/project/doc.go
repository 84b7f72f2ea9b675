// Package project works out which project a directory belongs to.
//
// A project is named after the top level of its git repository, or after
// the directory itself outside a repository. Names are reduced to the
// characters the registry accepts.
package project
