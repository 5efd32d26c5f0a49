// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import (
	"errors"
	"fmt"
	"testing"
	"unicode/utf8"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	s := NewSchema("test").WithErrors(map[uint16]error{3: errA, 1: errA, 2: errB})

	tests := []struct {
		err  error
		want uint16
	}{
		{errA, 1}, // lowest matching code wins
		{fmt.Errorf("wrapped: %w", errB), 2},
		{errors.New("other"), 0},
	}
	for _, tc := range tests {
		if got := s.errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v): got %d, want %d", tc.err, got, tc.want)
		}
	}
	if got := s.errorValue(2); got != errB {
		t.Errorf("errorValue(2): got %v, want %v", got, errB)
	}
	if got := s.errorValue(9); got != nil {
		t.Errorf("errorValue(9): got %v, want nil", got)
	}
}
