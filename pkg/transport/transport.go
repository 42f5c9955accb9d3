// Package transport defines the rank-addressed point-to-point layer the
// messaging core runs on. Implementations provide reliable, in-order
// delivery per (source, destination) pair, tag-selective matching, and
// synchronous-mode sends whose completion proves the receiver has begun
// receiving the message.
package transport

// SendHandle tracks an in-flight send. Complete reports whether the
// receiver has started receiving the message; until then the payload
// buffer is owned by the transport.
type SendHandle interface {
	Complete() bool
}

// Endpoint is one rank's view of the communicator.
type Endpoint interface {
	// Rank is the zero-based index of this process in the job.
	Rank() int
	// Size is the number of ranks in the job.
	Size() int

	// Send queues an asynchronous synchronous-mode send of payload to
	// target under tag. The returned handle completes once the receiver
	// has begun receiving.
	Send(target, tag int, payload []byte) (SendHandle, error)

	// Probe reports, without blocking or consuming, whether a message
	// with the given tag is pending, and from which source.
	Probe(tag int) (source int, ok bool)

	// Recv consumes the oldest pending message from source with the
	// given tag. It must only be called after a successful Probe.
	Recv(source, tag int) ([]byte, error)

	// Barrier blocks until every rank has entered it.
	Barrier() error

	Close() error
}
