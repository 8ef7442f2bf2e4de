package transport

type Protocol string

const (
	TCP  Protocol = "tcp"
	Pipe Protocol = "pipe"
)

// Addr is satisfied by [net.Addr] as well as by the addresses of in-memory transports.
type Addr interface {
	Network() string
	String() string
}
