package api

// Session is one ordered, full-duplex connection.
type Session interface {
	// Send writes one envelope as a single frame. Concurrent calls never
	// interleave. Once the connection is broken every call fails with ErrTransport.
	Send(envelope any) error

	// Receive blocks for the next raw frame until the connection closes.
	Receive() ([]byte, error)

	// Close closes the connection. It is safe to call more than once.
	Close() error
}
