// Package eventbus announces capture activity to external consumers over
// NATS.
//
// Stream events land on capture.stream.<device>.<role>.{head,sealed,error}
// and session state changes on capture.session.<id>. Delivery is
// fire-and-forget through a small worker pool; a full queue drops the
// event rather than stalling the control plane, because the published
// stream is advisory and the on-disk manifests remain authoritative.
//
// The session index is mirrored into the capture-sessions JetStream KV
// bucket so tool layers can enumerate sessions without filesystem access.
package eventbus
