package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AfterAdvancesAndFires(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	fired := <-f.After(3 * time.Second)
	assert.Equal(t, start.Add(3*time.Second), fired)
	assert.Equal(t, start.Add(3*time.Second), f.Now())

	f.Advance(time.Second)
	<-f.After(3 * time.Second)
	assert.Equal(t, start.Add(7*time.Second), f.Now())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, f.Sleeps())
}
