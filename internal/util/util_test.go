package util

import "testing"

func TestMin(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Fatalf("Min(3,7) = %d, want 3", got)
	}
	if got := Min(uint32(9), uint32(2)); got != 2 {
		t.Fatalf("Min(9,2) = %d, want 2", got)
	}
}

func TestRounddown(t *testing.T) {
	cases := []struct{ v, b, want uint32 }{
		{4096, 4096, 4096},
		{4097, 4096, 4096},
		{8191, 4096, 4096},
		{0, 4096, 0},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.want {
			t.Fatalf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestRoundup(t *testing.T) {
	cases := []struct{ v, b, want uint32 }{
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{1, 4096, 4096},
		{0, 4096, 0},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.want {
			t.Fatalf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}
