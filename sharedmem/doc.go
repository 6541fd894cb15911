// Package sharedmem transfers large bytes and string values between the
// host and worker via named shared memory segments, rather than inline on
// the event stream.
package sharedmem
