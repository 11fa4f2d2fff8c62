// Package validate centralizes the identifier and dump-format validation
// rules that apply everywhere a userId, dumpId, or uploaded file is
// accepted, so hostile identifiers never reach a filesystem concatenation.
package validate

import (
	"fmt"
	"strings"

	"github.com/coredump-labs/postmortem/internal/errs"
)

// Identifier rejects empty strings, path separators, "..", NUL, and control
// characters. It applies to both userId and dumpId everywhere they're
// accepted.
func Identifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s: %w: empty", kind, errs.ErrInvalidInput)
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%s: %w: contains path separator or NUL", kind, errs.ErrInvalidInput)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%s: %w: contains \"..\"", kind, errs.ErrInvalidInput)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%s: %w: contains control character", kind, errs.ErrInvalidInput)
		}
		if strings.ContainsRune(`<>:"|?*`, r) {
			return fmt.Errorf("%s: %w: contains reserved filesystem character %q", kind, errs.ErrInvalidInput, r)
		}
	}
	return nil
}

// Format is a detected dump format, identified by its leading magic bytes.
type Format string

const (
	FormatWindowsMinidump Format = "windows-minidump"
	FormatWindowsPagedump Format = "windows-pagedump"
	FormatLinuxELFCore    Format = "linux-elf-core"
	FormatMachOCore       Format = "macho-core"
	FormatUnknown         Format = ""
)

// DetectFormat inspects the first bytes of an uploaded file and returns the
// matching dump format, or FormatUnknown if no signature matches.
func DetectFormat(head []byte) Format {
	switch {
	case hasPrefix(head, "MDMP"):
		return FormatWindowsMinidump
	case hasPrefix(head, "PAGE"):
		return FormatWindowsPagedump
	case len(head) >= 4 && head[0] == 0x7F && head[1] == 'E' && head[2] == 'L' && head[3] == 'F':
		return FormatLinuxELFCore
	case len(head) >= 4 && (beU32(head) == 0xFEEDFACE || beU32(head) == 0xFEEDFACF ||
		leU32(head) == 0xFEEDFACE || leU32(head) == 0xFEEDFACF):
		return FormatMachOCore
	default:
		return FormatUnknown
	}
}

func hasPrefix(head []byte, sig string) bool {
	return len(head) >= len(sig) && string(head[:len(sig)]) == sig
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func leU32(b []byte) uint32 {
	return uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
}
