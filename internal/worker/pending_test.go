package worker

import (
	"sync"
	"testing"
)

func TestPendingExactlyOneResolution(t *testing.T) {
	table := newPendingTable()

	ch, err := table.register("r1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if !table.resolve("r1", Resolution{Approved: true}) {
		t.Fatal("first resolve should find the waiter")
	}
	if table.resolve("r1", Resolution{Approved: false}) {
		t.Fatal("duplicate resolve should find nothing")
	}

	res := <-ch
	if !res.Approved {
		t.Error("waiter received the wrong resolution")
	}
	select {
	case extra := <-ch:
		t.Errorf("waiter received a second resolution: %+v", extra)
	default:
	}
}

func TestPendingDuplicateRegister(t *testing.T) {
	table := newPendingTable()

	if _, err := table.register("r1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := table.register("r1"); err != ErrDuplicateRequest {
		t.Errorf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestPendingAbortAllSyntheticDenial(t *testing.T) {
	table := newPendingTable()

	chans := make([]<-chan Resolution, 0, 3)
	for _, id := range []string{"r1", "r2", "r3"} {
		ch, err := table.register(id)
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		chans = append(chans, ch)
	}

	if n := table.abortAll(); n != 3 {
		t.Fatalf("abortAll = %d, want 3", n)
	}
	for i, ch := range chans {
		res := <-ch
		if !res.Aborted || res.Approved {
			t.Errorf("waiter %d: resolution = %+v, want aborted denial", i, res)
		}
	}
	if table.count() != 0 {
		t.Errorf("waiters leaked: %d", table.count())
	}

	// Late response after teardown is a correlation failure, not a hang.
	if table.resolve("r2", Resolution{Approved: true}) {
		t.Error("resolve after abortAll should find nothing")
	}
}

// Racing resolvers deliver exactly one resolution.
func TestPendingConcurrentResolve(t *testing.T) {
	table := newPendingTable()
	ch, err := table.register("r1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	delivered := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered <- table.resolve("r1", Resolution{Approved: true})
		}()
	}
	wg.Wait()
	close(delivered)

	wins := 0
	for ok := range delivered {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d resolutions delivered, want exactly 1", wins)
	}
	<-ch
}
