package gpio

import (
	"sync"
	"testing"
)

func TestMockDriver_ReadBackWrites(t *testing.T) {
	drv := &MockDriver{}

	if lvl, _ := drv.ReadPin(21); lvl != Low {
		t.Errorf("unwritten pin = %v, want Low", lvl)
	}
	if err := drv.WritePin(21, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	if lvl, _ := drv.ReadPin(21); lvl != High {
		t.Errorf("pin 21 = %v, want High", lvl)
	}
}

func TestMockDriver_ConcurrentWriters(t *testing.T) {
	drv := &MockDriver{}
	var wg sync.WaitGroup
	for _, pin := range []int{21, 24} {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = drv.WritePin(pin, LevelOf(i%2 == 0))
			}
		}(pin)
	}
	wg.Wait()

	for _, pin := range []int{21, 24} {
		if lvl, _ := drv.ReadPin(pin); lvl != Low {
			t.Errorf("pin %d = %v, want Low after even number of toggles", pin, lvl)
		}
	}
}

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", drv)
	}
	if err := drv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLevelOf(t *testing.T) {
	if LevelOf(true) != High || LevelOf(false) != Low {
		t.Error("LevelOf should map true to High and false to Low")
	}
}
