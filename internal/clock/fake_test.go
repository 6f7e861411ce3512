package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	fake := NewFake(epoch)
	var order []string
	var seen []time.Duration

	fake.AfterFunc(30*time.Millisecond, func() {
		order = append(order, "c")
		seen = append(seen, fake.Now().Sub(epoch))
	})
	fake.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		seen = append(seen, fake.Now().Sub(epoch))
	})
	fake.AfterFunc(20*time.Millisecond, func() {
		order = append(order, "b")
		seen = append(seen, fake.Now().Sub(epoch))
	})

	fake.Advance(25 * time.Millisecond)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, 1, fake.Pending())

	fake.Advance(5 * time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, seen)
	require.Equal(t, epoch.Add(30*time.Millisecond), fake.Now())
}

func TestFakeChainedTimersWithinWindow(t *testing.T) {
	fake := NewFake(epoch)
	fired := 0
	var tick func()
	tick = func() {
		fired++
		fake.AfterFunc(10*time.Millisecond, tick)
	}
	fake.AfterFunc(10*time.Millisecond, tick)

	fake.Advance(35 * time.Millisecond)
	require.Equal(t, 3, fired)
	require.Equal(t, 1, fake.Pending())
}

func TestFakeStop(t *testing.T) {
	fake := NewFake(epoch)
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	fake.Advance(2 * time.Second)
	require.False(t, fired)
	require.Equal(t, 0, fake.Pending())
}

func TestFakeAfterChannel(t *testing.T) {
	fake := NewFake(epoch)
	ch := fake.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	fake.Advance(time.Second)
	got := <-ch
	require.Equal(t, epoch.Add(time.Second), got)
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Minute)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	<-done
}
