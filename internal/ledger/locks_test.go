package ledger

import (
	"sync"
	"testing"

	"pulse-bot/internal/models"
)

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
	if n := k.size(); n != 0 {
		t.Fatalf("size after release = %d, want 0", n)
	}
}

func TestGrants(t *testing.T) {
	cases := []struct {
		tier string
		f    Feature
		want bool
	}{
		{"basic", FeatureUpload, false},
		{"premium", FeatureUpload, true},
		{"basic", FeatureAsk, true},
		{"premium", FeatureAsk, true},
		{"", FeatureAsk, false},
	}
	for _, tc := range cases {
		if got := grants(models.Tier(tc.tier), tc.f); got != tc.want {
			t.Fatalf("grants(%q, %s) = %v, want %v", tc.tier, tc.f, got, tc.want)
		}
	}
}
