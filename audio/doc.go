// Package audio moves samples from a capture callback to a playback
// callback through a fixed-size ring that never blocks either side.
//
// The input callback writes every sample it receives; when the ring is full
// the oldest unread sample is dropped. The output callback plays silence
// until the ring has buffered a start-up threshold once (the gate), and
// from then on plays whatever is buffered, padding with zeros when the ring
// runs dry. The gate never closes again.
//
// Each Transport owns its ring, so several transports can run side by side.
package audio
