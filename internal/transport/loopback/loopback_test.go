package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/testutil/testlog"
)

type inbox struct {
	mu     sync.Mutex
	frames []string
	froms  []network.NodeID
	ready  chan struct{}
	want   int
}

func newInbox(want int) *inbox {
	return &inbox{ready: make(chan struct{}), want: want}
}

func (b *inbox) handle(_ context.Context, from network.NodeID, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, string(raw))
	b.froms = append(b.froms, from)
	if len(b.frames) == b.want {
		close(b.ready)
	}
}

func (b *inbox) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d frames", b.want)
	}
}

func TestLinkDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	n := New()
	defer n.Close()
	box := newInbox(50)
	a, err := n.Attach("a", nil)
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := n.Attach("b", box.handle); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	if err := n.Link("a", "b"); err != nil {
		t.Fatalf("link: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := a.Transmit(context.Background(), "b", []byte(fmt.Sprintf("f%d", i))); err != nil {
			t.Fatalf("transmit %d: %v", i, err)
		}
	}
	box.wait(t)
	box.mu.Lock()
	defer box.mu.Unlock()
	for i, f := range box.frames {
		if f != fmt.Sprintf("f%d", i) || box.froms[i] != "a" {
			t.Fatalf("frame %d=%s from=%s", i, f, box.froms[i])
		}
	}
}

func TestTransmitErrors(t *testing.T) {
	testlog.Start(t)
	n := NewWithQueue(1)
	block := make(chan struct{})
	a, _ := n.Attach("a", nil)
	if _, err := n.Attach("b", func(context.Context, network.NodeID, []byte) { <-block }); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := n.Attach("a", nil); err == nil {
		t.Fatalf("duplicate attach accepted")
	}
	if err := a.Transmit(context.Background(), "b", []byte("x")); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
	if err := n.Link("a", "zz"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if err := n.Link("a", "b"); err != nil {
		t.Fatalf("link: %v", err)
	}

	var full error
	for i := 0; i < 4 && full == nil; i++ {
		full = a.Transmit(context.Background(), "b", []byte("x"))
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", full)
	}
	close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Transmit(ctx, "b", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	n.Close()
	if err := a.Transmit(context.Background(), "b", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLinkEventsAndPeers(t *testing.T) {
	testlog.Start(t)
	n := New()
	defer n.Close()
	a, _ := n.Attach("a", nil)
	if _, err := n.Attach("b", nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	var got []string
	a.OnLink(func(peer network.NodeID, up bool) {
		got = append(got, fmt.Sprintf("%s:%t", peer, up))
	})
	if err := n.Link("a", "b"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if peers := a.Peers(); len(peers) != 1 || peers[0] != "b" {
		t.Fatalf("peers=%v", peers)
	}
	n.Unlink("a", "b")
	n.Unlink("a", "b")
	if len(a.Peers()) != 0 || len(got) != 2 || got[0] != "b:true" || got[1] != "b:false" {
		t.Fatalf("peers=%v events=%v", a.Peers(), got)
	}
}
