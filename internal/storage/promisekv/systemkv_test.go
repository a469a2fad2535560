package promisekv

import "testing"

func TestStore_SystemKVRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	if _, ok, err := store.GetSystem(ctx, "schema_version"); err != nil || ok {
		t.Fatalf("expected a miss before any write, ok=%v err=%v", ok, err)
	}

	if err := store.SetSystem(ctx, "schema_version", "v1"); err != nil {
		t.Fatalf("SetSystem failed: %v", err)
	}

	got, ok, err := store.GetSystem(ctx, "schema_version")
	if err != nil || !ok {
		t.Fatalf("GetSystem failed: ok=%v err=%v", ok, err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want %q", got, "v1")
	}

	if err := store.SetSystem(ctx, "schema_version", "v2"); err != nil {
		t.Fatalf("SetSystem overwrite failed: %v", err)
	}
	got, _, _ = store.GetSystem(ctx, "schema_version")
	if got != "v2" {
		t.Fatalf("expected overwrite to take effect, got %q", got)
	}
}
