// Package driver implements the media driver core: the conductor event
// loop, IPC and network publications, receive-side images, flow control,
// and the sender and receiver agents.
//
// # Overview
//
// All lifecycle state is owned by the single-threaded conductor; the
// sender and receiver agents only read publication and image state through
// acquire loads and publish their own progress (sender position, high
// water mark, receiver position) through release stores. The three agent
// loops compose onto one, two, or three goroutines depending on the
// configured threading mode.
//
// A publication moves ACTIVE -> DRAINING -> LINGER -> DONE as client
// references drop and consumers drain; an image moves INIT -> ACTIVE ->
// LINGER -> DONE as its sender goes quiet. Every timed transition is
// driven from the conductor's cached nanosecond clock, read once per duty
// cycle.
package driver
