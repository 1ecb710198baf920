package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "in-use", StateInUse.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}

func TestConnMetricsAccumulation(t *testing.T) {
	m := &ConnMetrics{Created: time.Now()}

	m.AddBytesRead(100)
	m.AddBytesRead(50)
	m.AddBytesWritten(25)
	m.AddRequest()
	m.AddRequest()
	m.SetDialDuration(42 * time.Millisecond)

	bytesRead, bytesWritten, requests, dialDuration := m.GetStats()
	assert.Equal(t, int64(150), bytesRead)
	assert.Equal(t, int64(25), bytesWritten)
	assert.Equal(t, int64(2), requests)
	assert.Equal(t, 42*time.Millisecond, dialDuration)
}

func TestConnMetricsConcurrent(t *testing.T) {
	m := &ConnMetrics{Created: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AddBytesRead(1)
				m.AddBytesWritten(1)
				m.AddRequest()
			}
		}()
	}
	wg.Wait()

	bytesRead, bytesWritten, requests, _ := m.GetStats()
	assert.Equal(t, int64(1000), bytesRead)
	assert.Equal(t, int64(1000), bytesWritten)
	assert.Equal(t, int64(1000), requests)
}
