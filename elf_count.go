package powertest

import (
	"debug/elf"
	"fmt"
)

// TestCountSymbol is the symbol the firmware's test harness emits with the
// number of tests the binary will run.
const TestCountSymbol = "__DEFMT_TEST_COUNT"

// ReadTestCount extracts the expected test count from the compiled test ELF.
// The symbol holds a 32-bit word on 32-bit targets and a 64-bit word on
// 64-bit targets, in the file's byte order.
func ReadTestCount(path string) (int, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open test binary: %w", err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return 0, fmt.Errorf("read symbols of %s: %w", path, err)
	}
	for _, sym := range syms {
		if sym.Name != TestCountSymbol {
			continue
		}
		if int(sym.Section) >= len(f.Sections) {
			return 0, fmt.Errorf("symbol %s has no backing section", TestCountSymbol)
		}
		sect := f.Sections[sym.Section]
		data, err := sect.Data()
		if err != nil {
			return 0, fmt.Errorf("read section %s: %w", sect.Name, err)
		}
		off := sym.Value - sect.Addr
		if off+sym.Size > uint64(len(data)) {
			return 0, fmt.Errorf("symbol %s extends past section %s", TestCountSymbol, sect.Name)
		}
		raw := data[off : off+sym.Size]
		order := f.ByteOrder
		switch len(raw) {
		case 4:
			return int(order.Uint32(raw)), nil
		case 8:
			return int(order.Uint64(raw)), nil
		default:
			return 0, fmt.Errorf("symbol %s has size %d, want 4 or 8", TestCountSymbol, len(raw))
		}
	}
	return 0, fmt.Errorf("symbol %s not found in %s", TestCountSymbol, path)
}
