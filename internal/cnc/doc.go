// Package cnc manages the driver directory: the command-and-control file
// shared with every client process and the memory-mapped log buffer files.
//
// # Overview
//
// The CnC file starts with a page-aligned metadata header describing the
// length of each region that follows, in order: the to-driver command
// ring, the to-clients broadcast buffer, the counters metadata and values
// regions, the distinct error log, and the loss report. Clients map the
// file once and carve the same regions from the declared lengths.
//
// Each log buffer is its own file under publications/ or images/, sized
// three terms plus a metadata page, created sparse and unlinked when the
// owning stream reaches end of life.
package cnc
