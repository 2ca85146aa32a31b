package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool caches one Messenger per bot token so every job for an account shares
// the same connection and rate limiter.
type Pool struct {
	factory Factory

	mu   sync.Mutex
	bots map[string]Messenger

	group singleflight.Group
}

func NewPool(factory Factory) *Pool {
	return &Pool{factory: factory, bots: map[string]Messenger{}}
}

func (p *Pool) Get(ctx context.Context, token string) (Messenger, error) {
	key := tokenKey(token)
	p.mu.Lock()
	m, ok := p.bots[key]
	p.mu.Unlock()
	if ok {
		return m, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		p.mu.Lock()
		if m, ok := p.bots[key]; ok {
			p.mu.Unlock()
			return m, nil
		}
		p.mu.Unlock()

		m, err := p.factory.Open(ctx, token)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.bots[key] = m
		p.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Messenger), nil
}

// Probe validates a token without caching the result.
func (p *Pool) Probe(ctx context.Context, token string) (BotInfo, error) {
	m, err := p.factory.Open(ctx, token)
	if err != nil {
		return BotInfo{}, err
	}
	return m.Info(), nil
}

// Forget drops the cached messenger for token (account deleted or token rotated).
func (p *Pool) Forget(token string) {
	p.mu.Lock()
	delete(p.bots, tokenKey(token))
	p.mu.Unlock()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bots)
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
