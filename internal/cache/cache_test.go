package cache

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pveiga/loopd/internal/model"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetDelete(t *testing.T) {
	c := testCache(t)

	if err := c.Put("k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get("k1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, ok=%v", err, ok)
	}
	if string(got) != "v1" {
		t.Errorf("value = %q, want v1", got)
	}

	// Overwrite.
	if err := c.Put("k1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, _, _ = c.Get("k1")
	if string(got) != "v2" {
		t.Errorf("value = %q, want v2 after overwrite", got)
	}

	if err := c.Delete("k1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err = c.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("key still present after Delete")
	}
}

func TestGetMiss(t *testing.T) {
	c := testCache(t)
	_, ok, err := c.Get("missing")
	if err != nil {
		t.Fatalf("Get(missing) error = %v", err)
	}
	if ok {
		t.Error("Get(missing) ok = true, want false")
	}
}

func TestDeletePrefix(t *testing.T) {
	c := testCache(t)
	_ = c.Put(TimelineKey("c1"), []byte("a"))
	_ = c.Put(TimelineKey("c2"), []byte("b"))
	_ = c.Put(ReadCountsKey("u1"), []byte("c"))

	if err := c.DeletePrefix(TimelineKey("")); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := c.Get(TimelineKey("c1")); ok {
		t.Error("timeline key survived DeletePrefix")
	}
	if _, ok, _ := c.Get(ReadCountsKey("u1")); !ok {
		t.Error("read counts key deleted by unrelated prefix")
	}
}

func TestTimelineRoundTrip(t *testing.T) {
	c := testCache(t)
	msgs := []model.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hello", CreatedAt: 1000, Status: model.StatusDelivered},
		{ID: "pending_2000_x", ConversationID: "c1", SenderID: "me", Body: "hi", ImageURL: "https://cdn/i.jpg", CreatedAt: 2000, Status: model.StatusPending},
	}

	if err := c.PutTimeline("c1", msgs); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.GetTimeline("c1")
	if err != nil || !ok {
		t.Fatalf("GetTimeline() = %v, ok=%v", err, ok)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Errorf("roundtrip mismatch:\n got = %+v\nwant = %+v", got, msgs)
	}
}

func TestTimelineMiss(t *testing.T) {
	c := testCache(t)
	_, ok, err := c.GetTimeline("unknown")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("GetTimeline(unknown) ok = true, want false")
	}
}

func TestReadCountsRoundTrip(t *testing.T) {
	c := testCache(t)
	counts := map[string]int{"c1": 10, "c2": 3}

	if err := c.PutReadCounts("u1", counts); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.GetReadCounts("u1")
	if err != nil || !ok {
		t.Fatalf("GetReadCounts() = %v, ok=%v", err, ok)
	}
	if !reflect.DeepEqual(got, counts) {
		t.Errorf("roundtrip mismatch: got %v, want %v", got, counts)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	first, err := c.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed {
		t.Error("first Migrate() should apply migrations")
	}

	second, err := c.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed {
		t.Error("second Migrate() should be a no-op")
	}
}

// Keys survive reopening the database.
func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c2.Close() })
	got, ok, err := c2.Get("k")
	if err != nil || !ok {
		t.Fatalf("Get after reopen = %v, ok=%v", err, ok)
	}
	if string(got) != "v" {
		t.Errorf("value = %q, want v", got)
	}
}
