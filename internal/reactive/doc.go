// Package reactive provides the small set of asynchronous primitives the
// connection core is built from: one-shot promises, replay-latest broadcasts
// for endpoint states, and replay-once broadcasts for shutdown signals.
//
// Values crossing an asynchronous boundary are carried as tagged Results
// (value, error or empty) instead of being raised.
package reactive
