package coedit

import (
	"flag"
)


// Logging convention in the `coedit` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - backpressure and connectivity timeouts
//     - abnormal exits
//     - claim results and host transitions
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     per-connection and per-pass events - open, close, reconnect, reconcile pass summaries
// V(2):
//     per-message events - send, receive, relay, apply. High volume.
//
// Log tags used to filter by component:
//     [d]  document store
//     [a]  awareness
//     [s]  session
//     [sg] signal client
//     [b]  broker
//     [t]  peer transport
//     [r]  reconcile bridge
//     [c]  checkpoint

// InitLogging points glog at stderr. Call once from main or test init.
func InitLogging() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}
