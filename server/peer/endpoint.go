package peer

// Endpoint is the read-only view of a peer handed to hooks and middleware.
type Endpoint interface {
	ID() string
	Slot() int
	LocalAddr() string
	RemoteAddr() string
	Status() ConnState
}
