package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type stubMessenger struct{ info BotInfo }

func (s *stubMessenger) SendMessage(ctx context.Context, address string, msg Message) (MessageRef, error) {
	return MessageRef{Address: address, MessageID: 1}, nil
}
func (s *stubMessenger) Info() BotInfo { return s.info }

type countingFactory struct {
	opens atomic.Int32
	bad   string
}

func (f *countingFactory) Open(ctx context.Context, token string) (Messenger, error) {
	f.opens.Add(1)
	if token == f.bad {
		return nil, ErrInvalidToken
	}
	return &stubMessenger{info: BotInfo{Username: token}}, nil
}

func TestPoolOpensOncePerToken(t *testing.T) {
	f := &countingFactory{}
	p := NewPool(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Get(context.Background(), "tok-a"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.opens.Load(); got != 1 {
		t.Fatalf("factory opened %d times, want 1", got)
	}
	if p.Len() != 1 {
		t.Fatalf("pool len = %d, want 1", p.Len())
	}

	p.Forget("tok-a")
	if _, err := p.Get(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Get after Forget: %v", err)
	}
	if got := f.opens.Load(); got != 2 {
		t.Fatalf("factory opened %d times after Forget, want 2", got)
	}
}

func TestPoolDoesNotCacheFailures(t *testing.T) {
	f := &countingFactory{bad: "nope"}
	p := NewPool(f)
	if _, err := p.Get(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if p.Len() != 0 {
		t.Fatalf("failed open was cached")
	}
}

func TestMessageEmpty(t *testing.T) {
	if !(Message{}).Empty() {
		t.Fatalf("zero message should be empty")
	}
	if (Message{Attachment: &Attachment{Filename: "a.txt"}}).Empty() {
		t.Fatalf("attachment-only message is not empty")
	}
}
