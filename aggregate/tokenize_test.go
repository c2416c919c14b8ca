package aggregate

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"hello, world! 123", []string{"hello", "world", "123"}},
		{"Привет МИР", []string{"привет", "мир"}},
		{"gg_wp ez", []string{"gg_wp", "ez"}},
		{"x2 2x", []string{"x2", "2", "x"}},
		{"!!! ???", nil},
		{"", nil},
		{"   ", nil},
		{"a-b", []string{"a", "b"}},
	}
	for _, c := range cases {
		got := Tokenize(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	in := "осу osu 727 when you see it"
	first := Tokenize(in)
	for i := 0; i < 10; i++ {
		if got := Tokenize(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: %v != %v", i, got, first)
		}
	}
}
