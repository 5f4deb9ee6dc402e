package pool

import "testing"

func TestCapacityManager_AcquireUpToMax(t *testing.T) {
	cm := NewCapacityManager()
	cm.SetMax("primary", 2)

	if !cm.Acquire("primary") {
		t.Fatalf("Acquire() #1 = false")
	}
	if !cm.Acquire("primary") {
		t.Fatalf("Acquire() #2 = false")
	}
	if cm.Acquire("primary") {
		t.Fatalf("Acquire() #3 = true, want false at max")
	}

	stats := cm.Stats("primary")
	if stats.InUse != 2 || stats.Max != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCapacityManager_Unlimited(t *testing.T) {
	cm := NewCapacityManager()
	for i := 0; i < 1000; i++ {
		if !cm.Acquire("unbounded") {
			t.Fatalf("Acquire() failed at i=%d with max=0 (unlimited)", i)
		}
	}
}

func TestCapacityManager_ReleaseFreesSlot(t *testing.T) {
	cm := NewCapacityManager()
	cm.SetMax("primary", 1)
	cm.Acquire("primary")
	if cm.Acquire("primary") {
		t.Fatalf("Acquire() at max = true")
	}
	cm.Release("primary")
	if !cm.Acquire("primary") {
		t.Fatalf("Acquire() after Release() = false")
	}
}

func TestCapacityManager_PutTakePool(t *testing.T) {
	cm := NewCapacityManager()
	cm.SetMax("primary", 1)
	cm.Acquire("primary")
	cm.PutIntoPool("primary")

	stats := cm.Stats("primary")
	if stats.InUse != 0 || stats.InPool != 1 {
		t.Fatalf("Stats() after PutIntoPool = %+v", stats)
	}

	if !cm.TakeFromPool("primary") {
		t.Fatalf("TakeFromPool() = false")
	}
	stats = cm.Stats("primary")
	if stats.InUse != 1 || stats.InPool != 0 {
		t.Fatalf("Stats() after TakeFromPool = %+v", stats)
	}

	if cm.TakeFromPool("primary") {
		t.Fatalf("TakeFromPool() on empty pool = true")
	}
}

func TestCapacityManager_ZeroMaxMeansUnlimited(t *testing.T) {
	cm := NewCapacityManager()
	stats := cm.Stats("never-configured")
	if stats.Max != 0 {
		t.Errorf("Max = %d, want 0 for unconfigured backend", stats.Max)
	}
	if !cm.Acquire("never-configured") {
		t.Errorf("Acquire() on unconfigured backend = false")
	}
}

func TestCapacityManager_ReleasePooled(t *testing.T) {
	cm := NewCapacityManager()
	cm.SetMax("primary", 1)
	cm.Acquire("primary")
	cm.PutIntoPool("primary")
	cm.ReleasePooled("primary")

	stats := cm.Stats("primary")
	if stats.InUse != 0 || stats.InPool != 0 {
		t.Fatalf("Stats() after ReleasePooled = %+v", stats)
	}
	if !cm.Acquire("primary") {
		t.Fatalf("Acquire() after ReleasePooled freed the slot = false")
	}
}
