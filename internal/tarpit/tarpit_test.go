package tarpit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsStuckDuringPunishment(t *testing.T) {
	tar := New()
	done := make(chan struct{})
	go func() {
		tar.Punish("10.0.0.1")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, tar.IsStuck("10.0.0.1"))
	assert.False(t, tar.IsStuck("10.0.0.2"))

	<-done
	assert.False(t, tar.IsStuck("10.0.0.1"))
}

func TestSerializerRunsExclusively(t *testing.T) {
	s := NewSerializer()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Do(func() (interface{}, error) {
				local := counter
				local++
				counter = local
				return local, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}
