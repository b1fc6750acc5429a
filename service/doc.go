// Package service is the capture facade. It wires the stream, session,
// and slicing managers over one RT engine and one content store, runs
// the control loop that drains RT events into the stream manager, and
// mirrors what happened onto the event bus.
//
// Failures are isolated per stream: a bad event halts its own stream and
// nothing else. The service never talks to hardware; a collaborator
// feeds WriteSamples from its callback.
package service
