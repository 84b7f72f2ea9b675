// Package port assigns ports to project services from configured ranges.
//
// The algorithm is a deterministic ascending scan:
//
//	for p := range.Min; p <= range.Max; p++ {
//	    if no holding registry row has (p, env) && no probe reports p in use {
//	        return p
//	    }
//	}
//
// so the lowest free port always wins and a released port is handed out
// again before any higher one. Every allocation runs inside the registry's
// serialized read-modify-write, which is what keeps concurrent invocations
// from ever assigning the same (port, environment) twice.
//
// Probes (host listeners, Docker published ports, hard-coded ports found by
// the conflict scanner) are advisory and only widen the set of skipped
// ports.
package port
