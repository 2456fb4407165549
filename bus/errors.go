package bus

import "fmt"

// TransportError wraps a broker-level failure: the connection is gone or the
// command could not reach the server. The dispatch loop terminates with one
// of these; a supervising layer decides whether to reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EncodingError wraps a payload that could not be serialized or decoded.
// On publish it is returned to the caller; on dispatch the message is
// dropped and logged, the loop keeps running.
type EncodingError struct {
	Topic string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("bus encoding: topic %q: %v", e.Topic, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
