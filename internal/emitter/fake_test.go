package emitter

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-completed mqtt.Token.
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes. Methods the emitter never calls panic
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	messages   []publishedMessage
	publishErr error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return fakeToken{err: c.publishErr}
	}
	b, ok := payload.([]byte)
	if !ok {
		return fakeToken{err: errors.New("unexpected payload type")}
	}
	c.messages = append(c.messages, publishedMessage{topic: topic, qos: qos, payload: b})
	return fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) sent() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.messages...)
}
