// Package scan finds hard-coded ports in project directories.
//
// Each immediate subdirectory of the scan root is treated as a project.
// Source and config files are searched line by line for port literals;
// compose manifests and devcontainer.json are parsed for published and
// forwarded ports. Projects are scanned in parallel with a per-project time
// budget, and unreadable files are reported without aborting the scan.
package scan
