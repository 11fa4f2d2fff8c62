package validate

import (
	"errors"
	"testing"

	"github.com/coredump-labs/postmortem/internal/errs"
)

func TestIdentifier(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"", true},
		{"abc123", false},
		{"../etc/passwd", true},
		{"a/b", true},
		{"a\\b", true},
		{"has\x00nul", true},
		{"user-name_1", false},
		{"bad:colon", true},
	}
	for _, c := range cases {
		err := Identifier("userId", c.id)
		if c.wantErr && err == nil {
			t.Errorf("Identifier(%q): expected error, got nil", c.id)
		}
		if !c.wantErr && err != nil {
			t.Errorf("Identifier(%q): unexpected error %v", c.id, err)
		}
		if c.wantErr && !errors.Is(err, errs.ErrInvalidInput) {
			t.Errorf("Identifier(%q): error %v does not wrap ErrInvalidInput", c.id, err)
		}
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want Format
	}{
		{"minidump", []byte("MDMP\x00\x00\x00\x00"), FormatWindowsMinidump},
		{"pagedump", []byte("PAGE\x00\x00\x00\x00"), FormatWindowsPagedump},
		{"elf", []byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0}, FormatLinuxELFCore},
		{"macho-be", []byte{0xFE, 0xED, 0xFA, 0xCE}, FormatMachOCore},
		{"macho-le", []byte{0xCE, 0xFA, 0xED, 0xFE}, FormatMachOCore},
		{"unknown", []byte("\x00\x01\x02\x03"), FormatUnknown},
		{"short", []byte{0x7F}, FormatUnknown},
	}
	for _, c := range cases {
		if got := DetectFormat(c.head); got != c.want {
			t.Errorf("%s: DetectFormat() = %q, want %q", c.name, got, c.want)
		}
	}
}
