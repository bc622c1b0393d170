package evhttpd

// Outcome tells the engine what to do with a connection a worker hands back.
type Outcome uint8

const (
	// KeepAlive: request(s) answered, re-arm and restart the idle timer.
	KeepAlive Outcome = iota
	// Close: release the connection.
	Close
	// WouldBlock: the socket ran dry, or output is still pending. Re-arm without closing.
	WouldBlock
)

func (o Outcome) String() string {
	switch o {
	case KeepAlive:
		return "keep-alive"
	case Close:
		return "close"
	case WouldBlock:
		return "would-block"
	}
	return "unknown"
}

// Processor handles a readable connection on a worker goroutine. It has
// exclusive use of c until it returns, and must not keep c afterwards. A
// non-nil error closes the connection whatever the Outcome.
type Processor interface {
	Process(c *Conn) (Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(c *Conn) (Outcome, error)

func (f ProcessorFunc) Process(c *Conn) (Outcome, error) {
	return f(c)
}
