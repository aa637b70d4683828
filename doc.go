// Package callsignal contains the shared goroutine, context, retry and logging helpers
// used by the call negotiation engine.
//
// The engine itself lives in the subpackages: signaling (the shared document store),
// media, negotiation, candidates and lifecycle, which ties them together.
package callsignal
