package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/maltedev/shop-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrontierPushPop(t *testing.T) {
	f := NewInMemoryFrontier()

	ok, err := f.Push(NewEntry("https://www.flipkart.com/search?q=mobile", models.LabelListing))
	require.NoError(t, err)
	assert.True(t, ok)

	added, err := f.PushBatch([]*Entry{
		NewEntry("https://www.flipkart.com/a/p/1", models.LabelProduct),
		NewEntry("https://www.flipkart.com/b/p/2", models.LabelProduct),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 3, f.Size())

	// products outrank listings, FIFO within a priority
	first, err := f.Pop()
	require.NoError(t, err)
	assert.Equal(t, "https://www.flipkart.com/a/p/1", first.URL)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.EnqueuedAt.IsZero())

	second, err := f.Pop()
	require.NoError(t, err)
	assert.Equal(t, "https://www.flipkart.com/b/p/2", second.URL)

	third, err := f.Pop()
	require.NoError(t, err)
	assert.Equal(t, models.LabelListing, third.Label)

	_, err = f.Pop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestFrontierNeverReenqueues(t *testing.T) {
	f := NewInMemoryFrontier()

	ok, err := f.Push(NewEntry("https://example.com/p/1", models.LabelProduct))
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := f.Pop()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/p/1", entry.URL)

	ok, err = f.Push(NewEntry("https://example.com/p/1", models.LabelProduct))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Push(NewEntry("https://example.com/p/1#reviews", models.LabelProduct))
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := f.PushBatch([]*Entry{
		NewEntry("https://example.com/p/1", models.LabelProduct),
		NewEntry("https://example.com/p/2", models.LabelProduct),
		NewEntry("https://example.com/p/2", models.LabelProduct),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, f.Size())
	assert.True(t, f.Seen("https://example.com/p/2"))
	assert.False(t, f.Seen("https://example.com/p/3"))
}

func TestFrontierClose(t *testing.T) {
	f := NewInMemoryFrontier()
	_, err := f.Push(NewEntry("https://example.com/p/1", models.LabelProduct))
	require.NoError(t, err)

	require.NoError(t, f.Close())

	_, err = f.Pop()
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = f.Push(NewEntry("https://example.com/p/2", models.LabelProduct))
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = f.PushBatch([]*Entry{NewEntry("https://example.com/p/3", models.LabelProduct)})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestFrontierConcurrentPop(t *testing.T) {
	f := NewInMemoryFrontier()
	for i := 0; i < 100; i++ {
		_, err := f.Push(NewEntry(fmt.Sprintf("https://example.com/p/%d", i), models.LabelProduct))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, err := f.Pop()
				if err != nil {
					return
				}
				mu.Lock()
				seen[entry.URL]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	for url, n := range seen {
		assert.Equal(t, 1, n, url)
	}
}
