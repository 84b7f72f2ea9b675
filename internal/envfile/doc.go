// Package envfile renders registry allocations as configuration files that
// application code and containers can consume: a KEY=VALUE port file and a
// docker compose overlay publishing the allocated host ports.
package envfile
