package notify

import (
	"sync"
	"testing"
	"time"
)

func TestCondBroadcastWakesAll(t *testing.T) {
	t.Parallel()

	var c Cond
	const waiters = 8

	var ready, done sync.WaitGroup
	ready.Add(waiters)
	done.Add(waiters)
	for range waiters {
		go func() {
			defer done.Done()
			ch := c.Wait()
			ready.Done()
			<-ch
		}()
	}

	ready.Wait()
	c.Broadcast()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not released by Broadcast")
	}
}

func TestCondWaitAfterBroadcastBlocks(t *testing.T) {
	t.Parallel()

	var c Cond
	c.Broadcast() // no waiters, must not panic

	ch := c.Wait()
	select {
	case <-ch:
		t.Fatal("fresh wait channel is already closed")
	default:
	}

	c.Broadcast()
	select {
	case <-ch:
	default:
		t.Fatal("wait channel not closed after Broadcast")
	}

	if c.Wait() == ch {
		t.Fatal("Wait returned a closed channel after Broadcast")
	}
}
