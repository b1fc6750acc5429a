// Package wire defines the binary protocol between the control plane and
// the RT capture plane: a closed set of commands (control to RT) and a
// closed set of events (RT to control), with a fixed little-endian framing.
//
// The sets are closed tagged unions. Decoders reject unknown tags and
// version bytes outright; there are no open-ended or reflectively-typed
// payloads. Encoding writes into a caller-provided buffer so the RT side
// performs no heap allocation per message. Decoding runs on the control
// side and is unconstrained.
//
// Frame layout: one version byte, one tag byte, then the variant's fields.
// Integers are little-endian; strings are a u16 length followed by bytes;
// timestamps are u64 Unix nanoseconds.
package wire
