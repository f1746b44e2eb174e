package options

import (
	"flag"
	"testing"
)

func TestRegisterAndParseFd(t *testing.T) {
	o := &Options{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.Register(fs)

	if err := fs.Parse([]string{"-fd", "-"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := o.ParseFd(); err != nil {
		t.Fatalf("ParseFd: %v", err)
	}
	if !o.FdAllocate {
		t.Fatal("expected FdAllocate after -fd -")
	}
}

func TestParseFdDecimal(t *testing.T) {
	o := &Options{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.Register(fs)
	if err := fs.Parse([]string{"-fd", "7"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := o.ParseFd(); err != nil {
		t.Fatalf("ParseFd: %v", err)
	}
	if o.Fd != 7 || o.FdAllocate {
		t.Fatalf("got Fd=%d FdAllocate=%v", o.Fd, o.FdAllocate)
	}
}

func TestUsesEnvVar(t *testing.T) {
	cases := map[string]bool{
		"FOO_BAR": true,
		"foo_bar": false,
		"":        false,
		"F":       true,
		"1FOO":    false,
	}
	for name, want := range cases {
		o := &Options{Name: name}
		if got := o.UsesEnvVar(); got != want {
			t.Errorf("UsesEnvVar(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestValidateRequiresArgs(t *testing.T) {
	o := &Options{}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing args")
	}
}

func TestValidateRejectsFdWithUntethered(t *testing.T) {
	o := &Options{Args: []string{"true"}, Untethered: true}
	o.fdRaw = "3"
	if err := o.Validate(); err == nil {
		t.Fatal("expected error combining -untethered with -fd")
	}
}
