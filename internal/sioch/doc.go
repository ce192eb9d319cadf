// Package sioch carries the comm channel over a socket.io connection to the
// dataflow gateway. Scheduler payloads travel as ipyflow_comm events in both
// directions; cell execution requests use an execute_request/execute_reply
// pair correlated by request id.
package sioch
