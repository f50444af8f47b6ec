package taskloop

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New(logrus.New())

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Close()
	<-l.Done()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int64(100), l.Processed())
}

func TestLoopNestedPost(t *testing.T) {
	l := New(logrus.New())
	done := make(chan []string, 1)

	var order []string
	l.Post(func() {
		order = append(order, "outer")
		l.Post(func() {
			order = append(order, "inner")
			done <- order
		})
		order = append(order, "outer-end")
	})

	assert.Equal(t, []string{"outer", "outer-end", "inner"}, <-done)
	l.Close()
	<-l.Done()
}

func TestLoopConcurrentPosters(t *testing.T) {
	l := New(logrus.New())

	var wg sync.WaitGroup
	count := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	l.Close()
	<-l.Done()

	assert.Equal(t, 400, count)
}

func TestLoopPostDelayed(t *testing.T) {
	l := New(logrus.New())
	defer func() {
		l.Close()
		<-l.Done()
	}()

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.PostDelayed(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}

	cancelled := make(chan struct{}, 1)
	cancel := l.PostDelayed(20*time.Millisecond, func() { cancelled <- struct{}{} })
	cancel()

	select {
	case <-cancelled:
		t.Fatal("cancelled task ran")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoopClose(t *testing.T) {
	l := New(logrus.New())
	ran := make(chan struct{}, 1)
	l.PostDelayed(10*time.Millisecond, func() { ran <- struct{}{} })

	l.Close()
	l.Close()
	<-l.Done()

	assert.False(t, l.Post(func() {}))

	select {
	case <-ran:
		t.Fatal("delayed task ran after close")
	case <-time.After(30 * time.Millisecond):
	}
}
