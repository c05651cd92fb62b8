package persistence

import (
	"testing"
)

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	defer store.Close()

	t.Run("SaveAndLoadTransitions", func(t *testing.T) {
		// 순서와 무관하게 저장해도 round height 순으로 로드
		for _, rh := range []int64{2, 10, 1} {
			rec := &TransitionRecord{
				Height:      rh * 3,
				RoundHeight: rh,
				From:        "randomness",
				Event:       "DONE",
				To:          "select_keeper_a",
				AppHash:     []byte("apphash"),
			}
			if err := store.SaveTransition(rec); err != nil {
				t.Fatalf("Failed to save transition: %v", err)
			}
		}

		records, err := store.LoadTransitions()
		if err != nil {
			t.Fatalf("Failed to load transitions: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(records))
		}
		if records[0].RoundHeight != 1 || records[2].RoundHeight != 10 {
			t.Errorf("records not ordered: %d..%d", records[0].RoundHeight, records[2].RoundHeight)
		}

		latest, err := store.LatestTransition()
		if err != nil {
			t.Fatalf("Failed to load latest: %v", err)
		}
		if latest == nil || latest.Height != 30 {
			t.Errorf("Expected latest at height 30, got %+v", latest)
		}
	})

	t.Run("SaveAndLoadState", func(t *testing.T) {
		loaded, err := store.LoadState()
		if err != nil {
			t.Fatalf("Failed to load state: %v", err)
		}
		if loaded != nil {
			t.Fatal("Expected no state before first save")
		}

		state := &AppState{Height: 5, RoundID: "finalization", RoundHeight: 4, PeriodCount: 1}
		if err := store.SaveState(state); err != nil {
			t.Fatalf("Failed to save state: %v", err)
		}
		loaded, err = store.LoadState()
		if err != nil {
			t.Fatalf("Failed to load state: %v", err)
		}
		if loaded == nil || loaded.RoundID != "finalization" || loaded.PeriodCount != 1 {
			t.Errorf("Unexpected state %+v", loaded)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	latest, _ := store.LatestTransition()
	if latest != nil {
		t.Fatal("Expected no transition in empty store")
	}

	store.SaveTransition(&TransitionRecord{RoundHeight: 1, To: "randomness"})
	store.SaveTransition(&TransitionRecord{RoundHeight: 2, To: "select_keeper_a"})

	latest, _ = store.LatestTransition()
	if latest.To != "select_keeper_a" {
		t.Errorf("Expected select_keeper_a, got %s", latest.To)
	}
	if err := store.SaveTransition(nil); err == nil {
		t.Error("Expected error for nil transition")
	}
}
