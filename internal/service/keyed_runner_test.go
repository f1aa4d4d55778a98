package service

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedRunnerSerialPerKey(t *testing.T) {
	r := NewKeyedRunner()
	var mu sync.Mutex
	order := map[string][]int{}

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			r.Submit(key, func() {
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
			})
		}
	}
	r.Wait()

	for _, key := range []string{"a", "b"} {
		seq := order[key]
		assert.Len(t, seq, 50)
		for i, v := range seq {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestKeyedRunnerSurvivesPanic(t *testing.T) {
	r := NewKeyedRunner()
	var ran atomic.Int32
	r.Submit("k", func() { panic("boom") })
	r.Submit("k", func() { ran.Add(1) })
	r.Wait()
	assert.Equal(t, int32(1), ran.Load())
}
