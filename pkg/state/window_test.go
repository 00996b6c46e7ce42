package state

import (
	"sync"
	"testing"
	"time"
)

func TestWindow_Transitions(t *testing.T) {
	w := NewWindow(true)
	if !w.Active() {
		t.Fatal("new window should be active")
	}
	if !w.EnterSleep() {
		t.Fatal("EnterSleep() should report a change")
	}
	if w.EnterSleep() {
		t.Fatal("second EnterSleep() should be a no-op")
	}
	if w.Active() {
		t.Fatal("window still active after EnterSleep")
	}
	if !w.Wake() || !w.Active() {
		t.Fatal("Wake() did not reactivate the window")
	}
	if w.Wake() {
		t.Fatal("second Wake() should be a no-op")
	}
}

func TestWindow_ConcurrentToggleSingleWinner(t *testing.T) {
	w := NewWindow(true)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.EnterSleep() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("EnterSleep won %d times, want 1", wins)
	}
}

func TestInSleepWindow(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2024, 1, 1, h, m, 0, 0, time.Local)
	}
	tests := []struct {
		name        string
		now         time.Time
		sleep, wake int
		want        bool
	}{
		{"overnight inside late", at(23, 30), 23 * 60, 7 * 60, true},
		{"overnight inside early", at(3, 0), 23 * 60, 7 * 60, true},
		{"overnight at wake", at(7, 0), 23 * 60, 7 * 60, false},
		{"overnight daytime", at(12, 0), 23 * 60, 7 * 60, false},
		{"same day inside", at(13, 0), 12 * 60, 14 * 60, true},
		{"same day outside", at(15, 0), 12 * 60, 14 * 60, false},
		{"empty window", at(12, 0), 12 * 60, 12 * 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InSleepWindow(tt.now, tt.sleep, tt.wake); got != tt.want {
				t.Fatalf("InSleepWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}
