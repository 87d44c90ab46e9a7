package arch

import (
	"sync"
	"testing"
)

func TestBindCPUIsPerGoroutine(t *testing.T) {
	const n = 8
	var wg sync.WaitGroup
	seen := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			BindCPU(i)
			defer UnbindCPU()
			seen[i] = CPUID()
		}(i)
	}
	wg.Wait()
	for i, v := range seen {
		if v != i {
			t.Fatalf("cpu %d: got %d", i, v)
		}
	}
}

func TestCPUIDPanicsWithoutBind(t *testing.T) {
	paniced := make(chan bool, 1)
	go func() {
		defer func() { paniced <- recover() != nil }()
		CPUID()
	}()
	if !<-paniced {
		t.Fatal("expected panic")
	}
}
