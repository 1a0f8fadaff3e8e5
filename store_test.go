package wavesock

import (
	"errors"
	"testing"
)

func TestStoreCreateRejectsDuplicates(t *testing.T) {
	s := newStore[int]()

	if err := s.Create("a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.Create("a", 2)
	if err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != StatusConflict {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestStoreReadUpdateDelete(t *testing.T) {
	s := newStore[int]()
	_ = s.Create("a", 1)

	if _, err := s.Read("missing"); err == nil {
		t.Error("expected read of missing key to fail")
	}
	if err := s.Update("missing", 9); err == nil {
		t.Error("expected update of missing key to fail")
	}
	if err := s.Update("a", 5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	value, err := s.Read("a")
	if err != nil || value != 5 {
		t.Errorf("expected 5, got %d (%v)", value, err)
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.Delete("a"); err == nil {
		t.Error("expected second delete to fail")
	}
}

func TestStoreKeysPreserveInsertionOrder(t *testing.T) {
	s := newStore[int]()
	_ = s.Create("c", 3)
	_ = s.Create("a", 1)
	_ = s.Create("b", 2)
	_ = s.Delete("a")
	_ = s.Create("a", 1)

	keys := s.Keys()
	want := []string{"c", "b", "a"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}

	values := s.Values()
	if len(values) != 3 || values[0] != 3 || values[1] != 2 || values[2] != 1 {
		t.Errorf("expected values in key order, got %v", values)
	}
}
