package idgen

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnowflakeWorkerRange(t *testing.T) {
	_, err := NewSnowflake(-1)
	assert.Error(t, err)
	_, err = NewSnowflake(1024)
	assert.Error(t, err)
	_, err = NewSnowflake(1023)
	assert.NoError(t, err)
}

func TestGenerateUniqueAndIncreasing(t *testing.T) {
	s, err := NewSnowflake(7)
	require.NoError(t, err)

	const n = 5000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			for i := 0; i < n/4; i++ {
				id := s.Generate()
				assert.Greater(t, id, prev)
				prev = id
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestReceiptNo(t *testing.T) {
	s, err := NewSnowflake(1)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC)
	no := s.ReceiptNo(at)
	assert.Regexp(t, regexp.MustCompile(`^OFF20260301083005\d{8}$`), no)
	assert.NotEqual(t, no, s.ReceiptNo(at))
}
