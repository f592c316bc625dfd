package kvdoc

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("** err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("** errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("** err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		s := dataErrf(data, 0, nil, "oops").Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("** err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestCollectionError(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{collErrf("users", "set", StringID("a"), ErrAlreadyExists, ""), `users.set/"a": already exists`},
		{collErrf("users", "delete", IntID(42), ErrVersionConflict, "at @%s", "0000000000000001"), `users.delete/42: at @0000000000000001: version conflict`},
		{collErrf("users", "scan", ID{}, errors.New("boom"), ""), `users.scan: boom`},
		{collErrf("users", "", BytesID([]byte{1, 2}), nil, "odd"), `users/0x0102: odd`},
	}
	for _, tt := range tests {
		if actual := tt.err.Error(); actual != tt.expected {
			t.Errorf("** Error() = %q, wanted %q", actual, tt.expected)
		}
	}

	err := collErrf("users", "set", StringID("a"), ErrAlreadyExists, "")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("** errors.Is(%v, ErrAlreadyExists) = false", err)
	}
	var ce *CollectionError
	if !errors.As(err, &ce) || ce.Collection != "users" || ce.Op != "set" {
		t.Errorf("** errors.As(%v) = %+v", err, ce)
	}
}
