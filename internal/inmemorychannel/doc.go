// Package inmemorychannel provides an in-process implementation of the
// comm.Channel interface. It is suitable for tests, run-to-completion
// drivers and any scenario where the kernel lives in the same process.
package inmemorychannel
