package breach

import "testing"

func TestToolRegistry_RankedOrder(t *testing.T) {
	r := NewToolRegistry()
	r.RegisterDefaults()

	if r.Count() != 5 {
		t.Fatalf("Count = %d, want 5", r.Count())
	}
	if got := r.AvailableCount(); got != 0 {
		t.Fatalf("AvailableCount = %d before enabling, want 0", got)
	}

	for _, id := range []string{"http-worm", "ssh-bruteforce", "smtp-relay"} {
		if err := r.Enable(id); err != nil {
			t.Fatalf("Enable(%s) failed: %v", id, err)
		}
	}

	ranked := r.Ranked()
	want := []string{"ssh-bruteforce", "smtp-relay", "http-worm"}
	if len(ranked) != len(want) {
		t.Fatalf("Ranked returned %d tools, want %d", len(ranked), len(want))
	}
	for i, tool := range ranked {
		if tool.ID != want[i] {
			t.Errorf("ranked[%d] = %s, want %s", i, tool.ID, want[i])
		}
	}
}

func TestToolRegistry_EnableDisable(t *testing.T) {
	r := NewToolRegistry()
	r.RegisterDefaults()

	if err := r.Enable("no-such-tool"); err == nil {
		t.Error("expected error enabling unknown tool")
	}
	if err := r.Enable("ftp-crack"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	tool, ok := r.Get("ftp-crack")
	if !ok || !tool.Available {
		t.Errorf("Get(ftp-crack) = (%+v, %v), want available", tool, ok)
	}

	if err := r.Disable("ftp-crack"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if r.AvailableCount() != 0 {
		t.Errorf("AvailableCount = %d after disable, want 0", r.AvailableCount())
	}
}

func TestToolRegistry_RegisterValidation(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(Tool{}); err == nil {
		t.Error("expected error for empty tool id")
	}

	// Re-registering updates in place.
	r.Register(Tool{ID: "custom", Rank: 9})
	r.Register(Tool{ID: "custom", Rank: 1, Available: true})
	tool, _ := r.Get("custom")
	if tool.Rank != 1 || !tool.Available {
		t.Errorf("re-register did not update: %+v", tool)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}
