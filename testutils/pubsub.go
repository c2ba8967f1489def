package testutils

import (
	"sync"

	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/google/uuid"
)

// pubsub fans out mint quote updates to websocket subscriptions.
type pubsub struct {
	mu          sync.Mutex
	subscribers map[string]chan nut04.PostMintQuoteBolt11Response
}

func newPubSub() *pubsub {
	return &pubsub{subscribers: make(map[string]chan nut04.PostMintQuoteBolt11Response)}
}

func (p *pubsub) subscribe() (string, <-chan nut04.PostMintQuoteBolt11Response) {
	id := uuid.NewString()
	messages := make(chan nut04.PostMintQuoteBolt11Response, 16)
	p.mu.Lock()
	p.subscribers[id] = messages
	p.mu.Unlock()
	return id, messages
}

func (p *pubsub) unsubscribe(id string) {
	p.mu.Lock()
	if messages, ok := p.subscribers[id]; ok {
		close(messages)
		delete(p.subscribers, id)
	}
	p.mu.Unlock()
}

// publish drops the update for subscribers that are not keeping up.
func (p *pubsub) publish(update nut04.PostMintQuoteBolt11Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, messages := range p.subscribers {
		select {
		case messages <- update:
		default:
		}
	}
}
