// Package toolrpc implements a bidirectional session protocol that lets a
// client invoke named tools exposed by a server over any ordered, reliable
// message stream. It provides the session layer (request/response correlation,
// capability negotiation, cancellation) and the tool-invocation pipeline that
// normalizes heterogeneous handler results into wire-level results.
//
// The package deliberately performs no schema validation of tool arguments or
// results; declared schemas are advertised to clients as-is, and callers who
// want enforcement compose the toolcheck package on top.
package toolrpc
