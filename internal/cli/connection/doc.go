// Package connection provides the transports simctl uses to reach a run.
//
// SocketClient speaks the line protocol of the control socket and is the
// only way to deliver control requests. HTTPClient reads the status and
// health documents served next to the metrics endpoint.
package connection
