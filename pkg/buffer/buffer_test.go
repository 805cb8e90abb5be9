package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/mjasion/balena-home/office-status/pkg/types"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	buf := New[int](10, zap.NewNop())

	if buf.Capacity() != 10 {
		t.Errorf("Expected capacity 10, got %d", buf.Capacity())
	}

	if buf.Size() != 0 {
		t.Errorf("Expected size 0, got %d", buf.Size())
	}
}

func TestNew_NonPositiveCapacity(t *testing.T) {
	buf := New[int](0, zap.NewNop())
	if buf.Capacity() != 1 {
		t.Errorf("Expected capacity clamped to 1, got %d", buf.Capacity())
	}
	buf.Add(6)
	buf.Add(7)
	if items := buf.GetAllAndClear(); len(items) != 1 || items[0] != 7 {
		t.Errorf("Expected only the newest item 7, got %v", items)
	}
	if buf.Dropped() != 1 {
		t.Errorf("Expected 1 dropped item, got %d", buf.Dropped())
	}
}

func TestAdd_Overflow(t *testing.T) {
	buf := New[int](3, zap.NewNop())

	for i := 1; i <= 5; i++ {
		buf.Add(i)
	}

	if buf.Size() != 3 {
		t.Errorf("Expected size 3, got %d", buf.Size())
	}
	if buf.Dropped() != 2 {
		t.Errorf("Expected 2 dropped items, got %d", buf.Dropped())
	}

	items := buf.GetAllAndClear()
	expected := []int{3, 4, 5}
	if len(items) != len(expected) {
		t.Fatalf("Expected %d items, got %d", len(expected), len(items))
	}
	for i, item := range items {
		if item != expected[i] {
			t.Errorf("Expected item[%d]=%d, got %d", i, expected[i], item)
		}
	}
}

func TestGetAllAndClear_Empty(t *testing.T) {
	buf := New[int](5, zap.NewNop())

	if items := buf.GetAllAndClear(); items != nil {
		t.Errorf("Expected nil for empty buffer, got %v", items)
	}
}

func TestGetAllAndClear_ClearsBuffer(t *testing.T) {
	buf := New[int](5, zap.NewNop())
	buf.Add(1)
	buf.Add(2)

	_ = buf.GetAllAndClear()

	if buf.Size() != 0 {
		t.Errorf("Expected size 0 after clear, got %d", buf.Size())
	}
	if items := buf.GetAllAndClear(); items != nil {
		t.Errorf("Expected nothing after clear, got %v", items)
	}

	buf.Add(10)
	if items := buf.GetAllAndClear(); len(items) != 1 || items[0] != 10 {
		t.Errorf("Expected [10] after re-adding, got %v", items)
	}
}

func TestLightReadings(t *testing.T) {
	buf := New[*types.Reading](10, zap.NewNop())
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	buf.Add(&types.Reading{
		Type:  types.ReadingTypeLight,
		Light: &types.LightReading{Timestamp: now, Pin: "GPIO4", Value: 1.5, Cycles: 10},
	})
	buf.Add(&types.Reading{
		Type:      types.ReadingTypeOccupancy,
		Occupancy: &types.OccupancyReading{Timestamp: now.Add(time.Second), Occupied: true, Darkpoint: 3},
	})

	items := buf.GetAllAndClear()
	if len(items) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(items))
	}
	if items[0].Type != types.ReadingTypeLight || items[0].Light.Value != 1.5 {
		t.Errorf("Unexpected first reading %+v", items[0])
	}
	latest := items[1]
	if latest.Type != types.ReadingTypeOccupancy {
		t.Errorf("Expected occupancy reading, got %s", latest.Type)
	}
	if !latest.GetTimestamp().Equal(now.Add(time.Second)) {
		t.Errorf("Unexpected timestamp %v", latest.GetTimestamp())
	}
}

func TestConcurrentAccess(t *testing.T) {
	buf := New[int](100, zap.NewNop())
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(val int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				buf.Add(val*10 + j)
				_ = buf.Size()
			}
		}(i)
	}

	wg.Wait()

	items := buf.GetAllAndClear()
	if len(items) != 100 {
		t.Errorf("Expected 100 items, got %d", len(items))
	}
}
