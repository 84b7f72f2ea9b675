// Package supervisor generates PM2 process descriptors from registry rows
// and drives the pm2 daemon.
//
// Descriptor generation is pure. Development descriptors watch their
// working directory and run a single forked instance; production
// descriptors run the configured number of instances with a memory
// ceiling. The restart policy is encoded into every descriptor so the
// supervisor itself enforces it.
package supervisor
