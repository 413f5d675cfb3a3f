package flag_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gokvm/hvenlight/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in   string
		unit string
		want int
	}{
		{in: "1", unit: "m", want: 1 << 20},
		{in: "2M", unit: "g", want: 2 << 20},
		{in: "4k", unit: "", want: 4 << 10},
		{in: "1G", unit: "", want: 1 << 30},
		{in: "0x1000", unit: "", want: 0x1000},
	} {
		got, err := flag.ParseSize(test.in, test.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", test.in, test.unit, err)

			continue
		}

		if got != test.want {
			t.Errorf("ParseSize(%q, %q) = %#x, want %#x", test.in, test.unit, got, test.want)
		}
	}

	for _, in := range []string{"", "M", "1T", "x1"} {
		if _, err := flag.ParseSize(in, ""); err == nil {
			t.Errorf("ParseSize(%q) succeeded", in)
		}
	}
}

func TestRunProbe(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer

	if err := flag.Run([]string{"probe", "--format", "yaml"}, &b); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"leaf: 1073741825", "name: REFERENCE_TSC", "- AccessVpIndex"} {
		if !strings.Contains(b.String(), s) {
			t.Errorf("output lacks %q:\n%s", s, b.String())
		}
	}
}

func TestRunStub(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer

	if err := flag.Run([]string{"stub", "--mode", "32"}, &b); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(b.String(), "%edx") {
		t.Errorf("32-bit stub does not clear edx:\n%s", b.String())
	}
}

func TestRunClock(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer

	err := flag.Run([]string{"clock", "--tsc-khz", "2000000", "--samples", "1", "--interval", "1ms"}, &b)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(b.String(), "tsc 2000000 kHz") {
		t.Errorf("unexpected output:\n%s", b.String())
	}
}

func TestRunBadArgs(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"stub", "--mode", "16"},
		{"probe", "--format", "json"},
		{"nosuchcommand"},
	} {
		var b bytes.Buffer

		if err := flag.Run(args, &b); err == nil {
			t.Errorf("Run(%q) succeeded", args)
		}
	}
}
