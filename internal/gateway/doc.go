// Package gateway speaks the dataflow gateway's kernel REST API: list
// running kernels, start one when none is available, and derive the comm
// endpoint the socket.io channel should dial.
package gateway
