package bridge

// Publisher is the pub/sub side of the bridge. Implementations may block;
// the bridge only calls them from its outbox goroutine.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}
