package quiz

// Conn is the engine's view of one participant's live connection. Send must
// never block: the websocket gateway backs it with a buffered channel and
// drops frames when the peer cannot keep up, since any skipped recipient is
// caught up by the reconnect resync path.
type Conn interface {
	Send(v any)
}
