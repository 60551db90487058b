// Package channel maintains the duplex websocket to a chat backend.
//
// Lifecycle: Open dials and sends the auth frame, the server's ws.hello marks
// the channel ready, and WaitUntilOpen lets callers block on that. A broken
// connection is terminal: the channel never reconnects on its own, it reports
// the error through Err and closes the frame stream so the owner can decide
// what a fresh channel should look like.
package channel
