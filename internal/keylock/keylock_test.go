package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	kl := New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("doc-1")
			counter++
			kl.Unlock("doc-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Zero(t, kl.InFlight(), "lock table drains after the last holder")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	kl := New()
	kl.Lock("a")

	done := make(chan struct{})
	go func() {
		kl.Lock("b")
		kl.Unlock("b")
		close(done)
	}()

	<-done // would deadlock if "b" waited on "a"
	kl.Unlock("a")
}

func TestUnlockUnheldKeyPanics(t *testing.T) {
	kl := New()
	assert.Panics(t, func() { kl.Unlock("never-locked") })
}

func TestLockTableGrowsAndShrinks(t *testing.T) {
	kl := New()

	kl.Lock("a")
	kl.Lock("b")
	assert.Equal(t, 2, kl.InFlight())

	kl.Unlock("a")
	assert.Equal(t, 1, kl.InFlight())
	kl.Unlock("b")
	assert.Zero(t, kl.InFlight())
}
