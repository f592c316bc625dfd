package kv

import (
	"bytes"
	"testing"
)

func TestInc(t *testing.T) {
	tests := []struct {
		in, out []byte
		ok      bool
	}{
		{[]byte{0x01}, []byte{0x02}, true},
		{[]byte{0x01, 0xFF}, []byte{0x02, 0x00}, true},
		{[]byte{0x01, 0xFF, 0xFF}, []byte{0x02, 0x00, 0x00}, true},
		{[]byte{0xFF, 0xFF}, []byte{0xFF, 0xFF}, false},
		{[]byte{}, []byte{}, false},
	}
	for _, tt := range tests {
		data := clone(tt.in)
		ok := inc(data)
		if ok != tt.ok || !bytes.Equal(data, tt.out) {
			t.Errorf("** inc(%x) = %x, %v, wanted %x, %v", tt.in, data, ok, tt.out, tt.ok)
		}
	}
}

func TestRangeBounds(t *testing.T) {
	tests := []struct {
		name         string
		rang         Range
		lower, upper string
	}{
		{"open", Range{}, "", ""},
		{"prefix", PrefixRange([]byte("ab")), "ab", "ac"},
		{"prefix narrows start", Range{Prefix: []byte("ab"), Start: []byte("a")}, "ab", "ac"},
		{"start inside prefix", Range{Prefix: []byte("ab"), Start: []byte("abc")}, "abc", "ac"},
		{"end inside prefix", Range{Prefix: []byte("ab"), End: []byte("abz")}, "ab", "abz"},
		{"end beyond prefix", Range{Prefix: []byte("ab"), End: []byte("b")}, "ab", "ac"},
		{"all-FF prefix", PrefixRange([]byte{0xFF}), "\xff", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower, upper := tt.rang.bounds()
			if string(lower) != tt.lower || string(upper) != tt.upper {
				t.Errorf("** got [%q, %q), wanted [%q, %q)", lower, upper, tt.lower, tt.upper)
			}
		})
	}
}

func TestMemCursor(t *testing.T) {
	c := &memCursor{pos: -1}
	if k, _ := c.First(); k != nil {
		t.Fatalf("** empty First got %q", k)
	}
	if k, _ := c.Last(); k != nil {
		t.Fatalf("** empty Last got %q", k)
	}

	c = &memCursor{items: []memKV{{key: []byte("a")}, {key: []byte("c")}}, pos: -1}
	if k, _ := c.Next(); string(k) != "a" {
		t.Fatalf("** Next from start got %q", k)
	}
	if k, _ := c.Seek([]byte("b")); string(k) != "c" {
		t.Fatalf("** Seek(b) got %q", k)
	}
	if k, _ := c.Seek([]byte("d")); k != nil {
		t.Fatalf("** Seek(d) got %q", k)
	}
	if k, _ := c.Prev(); string(k) != "c" {
		t.Fatalf("** Prev past end got %q", k)
	}
	if k, _ := c.Prev(); string(k) != "a" {
		t.Fatalf("** Prev got %q", k)
	}
	if k, _ := c.Prev(); k != nil {
		t.Fatalf("** Prev before start got %q", k)
	}
}
