// ABOUTME: Tests for the dedupe cache: TTL expiry, capacity eviction,
// ABOUTME: atomic duplicate detection under concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicate(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("wamid.A"), "first sighting is not a duplicate")
	assert.True(t, c.Duplicate("wamid.A"), "second sighting is a duplicate")
	assert.False(t, c.Duplicate("wamid.B"), "distinct IDs are independent")
}

func TestDuplicate_TTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("wamid.A"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Duplicate("wamid.A"), "expired entry counts as unseen")
}

func TestCapacityEviction(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Duplicate(fmt.Sprintf("wamid.%d", i))
	}
	// Adding a fourth evicts the oldest.
	c.Duplicate("wamid.3")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Duplicate("wamid.0"), "evicted ID counts as unseen")
}

func TestDuplicate_Concurrent(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	const workers = 32
	var wg sync.WaitGroup
	duplicates := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			duplicates <- c.Duplicate("wamid.contested")
		}()
	}
	wg.Wait()
	close(duplicates)

	fresh := 0
	for dup := range duplicates {
		if !dup {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller wins the race")
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
