package quality

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
)

func TestTracker_MarkBadKeepsFirstReason(t *testing.T) {
	tr := New(nil)

	bad, _ := tr.IsBad("https://api.example.com/weather")
	assert.False(t, bad)

	assert.True(t, tr.MarkBad("https://api.example.com/weather", "placeholder data"))
	assert.False(t, tr.MarkBad("https://api.example.com/weather", "second reason"))

	bad, reason := tr.IsBad("https://api.example.com/weather")
	assert.True(t, bad)
	assert.Equal(t, "placeholder data", reason)
	assert.Equal(t, 1, tr.Count())
}

func TestTracker_NormalizesURLs(t *testing.T) {
	tr := New(nil)
	tr.MarkBad("https://API.Example.com/weather/", "broken")

	assert.True(t, tr.Excluded("https://api.example.com/weather"))
	assert.False(t, tr.Excluded("https://api.example.com/Weather"), "path stays case sensitive")
}

func TestTracker_StaticBlacklist(t *testing.T) {
	tr := New([]string{" https://broken.example.com/x ", ""})

	bad, reason := tr.IsBad("https://broken.example.com/x")
	assert.True(t, bad)
	assert.Equal(t, "static blacklist", reason)

	assert.False(t, tr.Reset("https://broken.example.com/x"), "static entries are not resettable")
	assert.True(t, tr.Excluded("https://broken.example.com/x"))

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Static)
}

func TestTracker_Reset(t *testing.T) {
	tr := New(nil)
	tr.MarkBad("https://a.example.com", "limit")
	assert.True(t, tr.Reset("https://a.example.com"))
	assert.False(t, tr.Excluded("https://a.example.com"))
	assert.False(t, tr.Reset("https://a.example.com"))
}

func TestTracker_MarkCallbackFiresOnce(t *testing.T) {
	var got []model.ServiceQualityRecord
	tr := New(nil).WithMarkCallback(func(rec model.ServiceQualityRecord) {
		got = append(got, rec)
	})

	tr.MarkBad("https://a.example.com", "one")
	tr.MarkBad("https://a.example.com", "two")

	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Reason)
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tr.MarkBad(fmt.Sprintf("https://svc%d.example.com", i%10), fmt.Sprintf("reason %d", i))
		}(i)
		go func(i int) {
			defer wg.Done()
			tr.IsBad(fmt.Sprintf("https://svc%d.example.com", i%10))
			tr.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, tr.Count())
	for i := 0; i < 10; i++ {
		assert.True(t, tr.Excluded(fmt.Sprintf("https://svc%d.example.com", i)))
	}
}
