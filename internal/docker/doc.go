// Package docker reads host ports published by running containers from
// the Docker Engine API.
//
// Containers are an important source of port conflicts the registry cannot
// see: a `docker run -p 3000:3000` holds port 3000 without any allocation.
// A Snapshot of published ports can be consulted by the allocator and the
// conflict scanner. Containers started from portkeeper's generated compose
// manifest carry portkeeper.* labels, so their ports can be attributed back
// to a registry allocation.
package docker
