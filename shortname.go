package fatfs

import (
	"fmt"
	"strings"

	"github.com/fatlab/fatfs/checkpoint"
)

// shortNameChecksum computes the rotate-right checksum over the 11 name
// bytes of a short entry. Every entry of an LFN run carries it to bind the
// run to its short entry.
func shortNameChecksum(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// shortNameString decodes the 11 on-disk name bytes into the displayed
// "BASE.EXT" form, honoring the NT lowercase flags.
func shortNameString(name [11]byte, ntFlags byte) string {
	if name[0] == entryKanjiEscape {
		name[0] = entryDeleted
	}

	base := strings.TrimRight(string(name[:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")

	if ntFlags&caseLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntFlags&caseLowerExt != 0 {
		ext = strings.ToLower(ext)
	}

	if ext != "" {
		return base + "." + ext
	}
	return base
}

// isShortNameChar reports whether c may appear in a short name as-is.
// Lowercase letters are not in this set, they get uppercased first.
func isShortNameChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c >= 0x80:
		// Extended OEM codepage bytes pass through untranslated.
		return true
	}
	return strings.IndexByte("$%'-_@~`!(){}^#&", c) >= 0
}

// validateLongName rejects names that cannot be stored even as an LFN.
func validateLongName(name string) error {
	if name == "" || len(name) > lfnMaxLength {
		return checkpoint.Wrap(fmt.Errorf("name length %d outside of 1..%d", len(name), lfnMaxLength), ErrInvalidName)
	}
	if strings.TrimRight(name, ". ") == "" {
		return checkpoint.Wrap(fmt.Errorf("name consists only of dots and spaces"), ErrInvalidName)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`\/:*?"<>|`, r) {
			return checkpoint.Wrap(fmt.Errorf("character %q not allowed in names", r), ErrInvalidName)
		}
	}
	return nil
}

// makeShortName converts a long name into its 8.3 short form.
//
// lossy reports that the short form cannot represent the name exactly, so
// an LFN run plus a numeric tail is required. ntFlags carries the
// lowercase-base/extension bits for names that fit the short form but use
// consistent lowercase, the classic NT trick avoiding an LFN run.
func makeShortName(name string) (sfn [11]byte, ntFlags byte, lossy bool, err error) {
	if err := validateLongName(name); err != nil {
		return sfn, 0, false, err
	}

	trimmed := strings.TrimRight(name, ". ")
	if trimmed != name {
		name = trimmed
		lossy = true
	}
	// Dotfile-style names have no short form of their own, the name
	// without its leading dots gets one and the full name lives in the
	// LFN run.
	if stripped := strings.TrimLeft(name, "."); stripped != name {
		name = stripped
		lossy = true
	}

	base, ext := name, ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		base, ext = name[:idx], name[idx+1:]
	}
	// Embedded dots in the base cannot be kept.
	if strings.ContainsRune(base, '.') {
		base = strings.ReplaceAll(base, ".", "")
		lossy = true
	}

	for i := range sfn {
		sfn[i] = ' '
	}

	encodePart := func(part string, dst []byte) (someLower, someUpper bool) {
		di := 0
		for si := 0; si < len(part); si++ {
			c := part[si]
			switch {
			case c == ' ':
				// Embedded spaces are dropped, not substituted.
				lossy = true
				continue
			case c >= 'a' && c <= 'z':
				someLower = true
				c -= 'a' - 'A'
			case c >= 'A' && c <= 'Z':
				someUpper = true
			case !isShortNameChar(c):
				c = '_'
				lossy = true
			}
			if di >= len(dst) {
				lossy = true
				return someLower, someUpper
			}
			dst[di] = c
			di++
		}
		return someLower, someUpper
	}

	baseLower, baseUpper := encodePart(base, sfn[:8])
	extLower, extUpper := encodePart(ext, sfn[8:11])

	// Mixed case within one part needs an LFN; consistent lowercase fits
	// into the NT flags.
	if baseLower && baseUpper || extLower && extUpper {
		lossy = true
	}
	if !lossy {
		if baseLower {
			ntFlags |= caseLowerBase
		}
		if extLower {
			ntFlags |= caseLowerExt
		}
	}

	if sfn[0] == ' ' {
		return sfn, 0, false, checkpoint.Wrap(fmt.Errorf("name %q leaves an empty short name", name), ErrInvalidName)
	}
	// A real 0xE5 lead byte would read as a deleted entry.
	if sfn[0] == entryDeleted {
		sfn[0] = entryKanjiEscape
	}

	return sfn, ntFlags, lossy, nil
}

// shortNameWithTail builds the "BASE~N.EXT" variant used to disambiguate
// lossy short names. The tail overwrites the end of the base part.
func shortNameWithTail(sfn [11]byte, n int) [11]byte {
	tail := "~" + fmt.Sprintf("%d", n)
	baseLen := 8 - len(tail)
	for i := 0; i < 8; i++ {
		if sfn[i] == ' ' && i < baseLen {
			baseLen = i
			break
		}
	}
	if baseLen < 0 {
		baseLen = 0
	}
	copy(sfn[baseLen:8], tail)
	for i := baseLen + len(tail); i < 8; i++ {
		sfn[i] = ' '
	}
	return sfn
}
