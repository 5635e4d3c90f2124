// Package channel parses and validates channel URIs.
//
// # Overview
//
// A channel URI names a media and its parameters:
//
//	aeron:ipc
//	aeron:udp?endpoint=localhost:40456
//	aeron:udp?endpoint=224.0.1.1:40456|ttl=16|fc=min
//	aeron-spy:aeron:udp?endpoint=localhost:40456
//
// Parameters are key=value pairs joined by '|'. Typed getters convert and
// validate the recognized keys; Validate rejects combinations the driver
// cannot honor, like a term-id without an init-term-id.
package channel
