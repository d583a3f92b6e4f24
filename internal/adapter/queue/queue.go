package queue

// MessageQueue is the transport the audit stream publishes on. The driver is
// picked by config; running without one disables auditing, nothing else.
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}
