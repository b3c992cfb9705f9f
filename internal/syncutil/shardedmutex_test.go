package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("same-key")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 500 {
		t.Fatalf("expected 500 increments, got %d", counter)
	}
}

func TestShardedMutexStableShard(t *testing.T) {
	var sm ShardedMutex
	if sm.shard("key-a") != sm.shard("key-a") {
		t.Fatal("same key must map to the same shard")
	}
}

func TestShardedMutexUnlockAllowsReacquire(t *testing.T) {
	var sm ShardedMutex
	unlock := sm.Lock("k")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := sm.Lock("k")
		unlock()
		close(done)
	}()
	<-done
}
