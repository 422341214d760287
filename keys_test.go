package lf

import (
	"testing"
)

func TestIntKeysHash(t *testing.T) {
	d := IntKeys[struct{}](0)
	for _, key := range []int{0, 1, 16, -1, -17, 1 << 40} {
		if h := d.Hash(key, 16); h < 0 || h >= 16 {
			t.Errorf("Hash(%d) = %d outside [0, 16)", key, h)
		}
	}
	if d.Hash(5, 16) == d.Hash(6, 16) {
		t.Error("consecutive keys share a bucket")
	}
}

func TestStringKeys(t *testing.T) {
	ts, _ := NewTranSystem(1)
	fl, err := NewFreelist[string, int](0, 0, StringKeys[int](policyNone), ts)
	if err != nil {
		t.Fatal(err)
	}
	ht, err := NewHashTable(fl, 7)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := ts.RequestSlot()
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", ""}
	for i, w := range words {
		e, err := ht.FindOrInsert(s, w)
		if err != nil {
			t.Fatal(err)
		}
		e.Value = i
	}
	for i, w := range words {
		e, _ := ht.FindOrInsert(s, w)
		if e.Value != i || e.Key() != w {
			t.Errorf("FindOrInsert(%q) = %q/%d", w, e.Key(), e.Value)
		}
	}
	if n, _ := ht.Len(s); n != len(words) {
		t.Errorf("Len = %d, want %d", n, len(words))
	}
}

func TestBytesKeysCopy(t *testing.T) {
	ts, _ := NewTranSystem(1)
	fl, _ := NewFreelist[[]byte, int](0, 0, BytesKeys[int](policyNone), ts)
	ht, _ := NewHashTable(fl, 7)
	s, _ := ts.RequestSlot()

	buf := []byte("key-1")
	e, err := ht.FindOrInsert(s, buf)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] = '2'
	if string(e.Key()) != "key-1" {
		t.Fatalf("stored key aliases caller buffer: %q", e.Key())
	}
	if again, _ := ht.FindOrInsert(s, []byte("key-1")); again != e {
		t.Error("lookup by equal bytes returned a different entry")
	}
	if n, _ := ht.Len(s); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}
