package ids

import "testing"

func TestParsePid(t *testing.T) {
	cases := []struct {
		in   string
		want Pid
	}{
		{"123", 123},
		{"0", None},
		{"-1", Invalid},
		{"not-a-number", Invalid},
		{"", Invalid},
	}
	for _, c := range cases {
		if got := ParsePid(c.in); got != c.want {
			t.Errorf("ParsePid(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPidValid(t *testing.T) {
	if None.Valid() {
		t.Error("None must not be valid")
	}
	if Invalid.Valid() {
		t.Error("Invalid must not be valid")
	}
	if !Pid(1).Valid() {
		t.Error("Pid(1) must be valid")
	}
}
