// Package rtio is the RT-plane stream writer: it maps staging chunk files,
// writes hardware-callback samples into the mappings, and reports progress
// to the control plane over lock-free rings using the wire protocol.
//
// The engine is a guest on the hardware callback's time budget. Its write
// path allocates nothing, takes no locks, and never blocks; anything that
// can block (allocation, sealing, manifest work, file lifecycle) lives on
// the control side of the rings. When a chunk crosses its nominal size the
// engine announces it and keeps writing into the file's headroom until the
// control plane rotates it; on the switch the engine moves the headroom
// overflow into the new chunk and confirms the handover so the retired
// file can be sealed at its nominal size. Running out of headroom is a
// fatal, loudly reported degradation rather than a stall.
package rtio
