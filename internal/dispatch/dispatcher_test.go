package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

type fakeMessenger struct {
	mu       sync.Mutex
	failures map[string]int // address -> failures before success; <0 always fails
	calls    map[string]int
	atts     map[*transport.Attachment]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	hold        time.Duration

	// batch is advanced by the test on every inter-batch pause; batchOf
	// keeps the batch each address was first sent in.
	batch   atomic.Int32
	batchOf map[string]int32
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		failures: map[string]int{},
		calls:    map[string]int{},
		atts:     map[*transport.Attachment]int{},
		batchOf:  map[string]int32{},
	}
}

func (f *fakeMessenger) SendMessage(ctx context.Context, address string, msg transport.Message) (transport.MessageRef, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.batchOf[address]; !ok {
		f.batchOf[address] = f.batch.Load()
	}
	f.calls[address]++
	if msg.Attachment != nil {
		f.atts[msg.Attachment]++
	}
	n := f.calls[address]
	want, ok := f.failures[address]
	if ok && (want < 0 || n <= want) {
		return transport.MessageRef{}, fmt.Errorf("boom %d", n)
	}
	return transport.MessageRef{Address: address, MessageID: n}, nil
}

func (f *fakeMessenger) Info() transport.BotInfo { return transport.BotInfo{Username: "fake"} }

func (f *fakeMessenger) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.delays {
		if x == d {
			n++
		}
	}
	return n
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestDispatcher(opts ...CacheOption) (*Dispatcher, *sleepRecorder, *sleepRecorder) {
	cache := NewAttachmentCache(AttachmentConfig{}, logx.Nop(), opts...)
	d := New(DefaultConfig(), cache, logx.Nop())
	pacing := &sleepRecorder{}
	backoff := &sleepRecorder{}
	d.sleep = pacing.sleep
	d.sender.sleep = backoff.sleep
	return d, pacing, backoff
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{Address: fmt.Sprintf("chat-%d", i), Name: fmt.Sprintf("contact %d", i)}
	}
	return out
}

func memSource(data []byte, opens *atomic.Int32) Source {
	return func(path string) (io.ReadCloser, error) {
		opens.Add(1)
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestDispatchBulkFormsBatchesInOrder(t *testing.T) {
	d, pacing, _ := newTestDispatcher()
	m := newFakeMessenger()
	m.hold = 5 * time.Millisecond
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		if dur == DefaultBatchDelay {
			m.batch.Add(1)
		}
		return pacing.sleep(ctx, dur)
	}

	res, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(12), Text: "hi"}, nil)
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Total != 12 || res.Succeeded != 12 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Batches != 3 {
		t.Fatalf("batches = %d, want 3", res.Batches)
	}
	if len(res.Outcomes) != 12 {
		t.Fatalf("outcomes = %d, want 12", len(res.Outcomes))
	}
	seen := map[int]bool{}
	for _, o := range res.Outcomes {
		if seen[o.Index] {
			t.Fatalf("index %d reported twice", o.Index)
		}
		seen[o.Index] = true
	}
	for i := 0; i < 12; i++ {
		if got, want := m.batchOf[fmt.Sprintf("chat-%d", i)], int32(i/5); got != want {
			t.Fatalf("recipient %d sent in batch %d, want %d", i, got, want)
		}
	}
	if got := m.maxInFlight.Load(); got > 5 {
		t.Fatalf("max concurrent sends = %d, want <= 5", got)
	}
	if got := pacing.count(time.Second); got != 2 {
		t.Fatalf("inter-batch pauses = %d, want 2", got)
	}
	// positions 1..4, 1..4, 1
	if got := pacing.count(200 * time.Millisecond); got != 3 {
		t.Fatalf("200ms staggers = %d, want 3", got)
	}
	if got := pacing.count(800 * time.Millisecond); got != 2 {
		t.Fatalf("800ms staggers = %d, want 2", got)
	}
	if got := len(pacing.all()); got != 11 {
		t.Fatalf("pacing sleeps = %d, want 11", got)
	}
}

func TestDispatchBulkSevenRecipients(t *testing.T) {
	d, pacing, _ := newTestDispatcher()
	m := newFakeMessenger()

	res, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(7), Text: "hello"}, nil)
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Total != 7 || res.Succeeded != 7 || res.Failed != 0 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures == nil {
		t.Fatalf("failures should be an empty list, not nil")
	}
	if res.Batches != 2 {
		t.Fatalf("batches = %d, want 2", res.Batches)
	}
	if got := pacing.count(time.Second); got != 1 {
		t.Fatalf("inter-batch pauses = %d, want 1", got)
	}
}

func TestDispatchBulkRetriesUntilSuccess(t *testing.T) {
	d, _, backoff := newTestDispatcher()
	m := newFakeMessenger()
	m.failures["chat-0"] = 2

	res, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(1), Text: "x"}, nil)
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := res.Outcomes[0].Attempts; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	got := backoff.all()
	if len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Fatalf("backoff delays = %v, want [1s 2s]", got)
	}
}

func TestDispatchBulkFailureCarriesLastError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	m := newFakeMessenger()
	m.failures["chat-1"] = -1

	res, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(3), Text: "x"}, nil)
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Recipient != "contact 1" || res.Failures[0].Error != "boom 3" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	m.mu.Lock()
	calls := m.calls["chat-1"]
	m.mu.Unlock()
	if calls != 3 {
		t.Fatalf("attempts against failing chat = %d, want 3", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig()
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 9: 5 * time.Second}
	for k, want := range cases {
		if got := backoffDelay(cfg, k); got != want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", k, got, want)
		}
	}
}

func TestDispatchBulkEmptyRecipients(t *testing.T) {
	var opens atomic.Int32
	d, _, _ := newTestDispatcher(WithSource(memSource([]byte("data"), &opens)))
	m := newFakeMessenger()

	res, err := d.DispatchBulk(context.Background(), m, Job{Text: "x", FilePath: "/tmp/a"}, nil)
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Total != 0 || res.Succeeded != 0 || res.Failed != 0 || res.Batches != 0 {
		t.Fatalf("result = %+v", res)
	}
	if m.totalCalls() != 0 || opens.Load() != 0 {
		t.Fatalf("empty job touched transport (%d) or source (%d)", m.totalCalls(), opens.Load())
	}
}

func TestDispatchBulkAttachmentFailureAbortsJob(t *testing.T) {
	broken := func(path string) (io.ReadCloser, error) { return nil, errors.New("no such file") }
	d, _, _ := newTestDispatcher(WithSource(broken))
	m := newFakeMessenger()

	_, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(4), FilePath: "/missing"}, nil)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if m.totalCalls() != 0 {
		t.Fatalf("sends attempted after attachment failure: %d", m.totalCalls())
	}
}

func TestDispatchBulkRejectsEmptyMessage(t *testing.T) {
	d, _, _ := newTestDispatcher()
	_, err := d.DispatchBulk(context.Background(), newFakeMessenger(), Job{Recipients: recipients(1)}, nil)
	if !errors.Is(err, transport.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestDispatchBulkSharesAttachment(t *testing.T) {
	var opens atomic.Int32
	d, _, _ := newTestDispatcher(WithSource(memSource([]byte("report"), &opens)))
	m := newFakeMessenger()

	job := Job{Recipients: recipients(7), FilePath: "/uploads/report.pdf", FileName: "report.pdf"}
	for i := 0; i < 2; i++ {
		if _, err := d.DispatchBulk(context.Background(), m, job, nil); err != nil {
			t.Fatalf("DispatchBulk #%d: %v", i, err)
		}
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("source opened %d times, want 1", got)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.atts) != 1 {
		t.Fatalf("distinct attachment values = %d, want 1", len(m.atts))
	}
	for att, n := range m.atts {
		if n != 14 || att.Filename != "report.pdf" {
			t.Fatalf("attachment %q used %d times", att.Filename, n)
		}
	}
}

func TestDispatchBulkProgress(t *testing.T) {
	d, _, _ := newTestDispatcher()
	m := newFakeMessenger()
	m.failures["chat-3"] = -1

	var events []Progress
	res, err := d.DispatchBulk(context.Background(), m, Job{Recipients: recipients(6), Text: "x"}, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("progress events = %d, want 6", len(events))
	}
	failed := 0
	for i, p := range events {
		if p.Processed != i+1 || p.Total != 6 {
			t.Fatalf("event %d = %+v", i, p)
		}
		if !p.Success {
			failed++
			if p.Recipient != "contact 3" {
				t.Fatalf("failed progress for %q", p.Recipient)
			}
		}
	}
	if failed != 1 || res.Failed != 1 {
		t.Fatalf("failed events = %d, result failed = %d", failed, res.Failed)
	}
}

func TestDispatchBulkCancelledBetweenBatches(t *testing.T) {
	d, _, _ := newTestDispatcher()
	m := newFakeMessenger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := d.DispatchBulk(ctx, m, Job{Recipients: recipients(7), Text: "x"}, func(p Progress) {
		if p.Processed == 5 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("DispatchBulk: %v", err)
	}
	if res.Total != 7 || res.Succeeded != 5 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Succeeded+res.Failed != res.Total {
		t.Fatalf("outcomes do not add up: %+v", res)
	}
	if m.totalCalls() != 5 {
		t.Fatalf("sends = %d, want 5", m.totalCalls())
	}
	for _, f := range res.Failures {
		if f.Error != context.Canceled.Error() {
			t.Fatalf("failure error = %q", f.Error)
		}
	}
}

// twoPartMessenger delivers a message as two parts and fails the second
// part on the first call.
type twoPartMessenger struct {
	mu    sync.Mutex
	skips []int
	parts int
}

func (m *twoPartMessenger) SendMessage(_ context.Context, address string, msg transport.Message) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skips = append(m.skips, msg.Skip)
	for part := msg.Skip; part < 2; part++ {
		if part == 1 && len(m.skips) == 1 {
			return transport.MessageRef{}, &transport.PartialError{Sent: 1, Err: errors.New("upload failed")}
		}
		m.parts++
	}
	return transport.MessageRef{Address: address}, nil
}

func (m *twoPartMessenger) Info() transport.BotInfo { return transport.BotInfo{} }

func TestSenderResumesAfterPartialDelivery(t *testing.T) {
	s := NewSender(DefaultConfig(), logx.Nop())
	backoff := &sleepRecorder{}
	s.sleep = backoff.sleep
	m := &twoPartMessenger{}

	o := s.Send(context.Background(), m, Recipient{Address: "chat-0", Name: "c"}, "text", nil)
	if !o.Success || o.Attempts != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	if len(m.skips) != 2 || m.skips[0] != 0 || m.skips[1] != 1 {
		t.Fatalf("skips = %v, want [0 1]", m.skips)
	}
	if m.parts != 2 {
		t.Fatalf("parts delivered = %d, want 2", m.parts)
	}
}
