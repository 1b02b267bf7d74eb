package fatfs

import "testing"

func TestFatEntry_Classification(t *testing.T) {
	tests := []struct {
		name  string
		entry fatEntry

		isFree            bool
		isNextCluster     bool
		isBad             bool
		isEOF             bool
		readAsNextCluster bool
		readAsEOF         bool
	}{
		{
			name:   "free",
			entry:  0x00000000,
			isFree: true,
		},
		{
			name:  "reserved temp",
			entry: 0x00000001,
		},
		{
			name:              "smallest chain pointer",
			entry:             0x00000002,
			isNextCluster:     true,
			readAsNextCluster: true,
		},
		{
			name:              "largest chain pointer",
			entry:             0x0FFFFFEF,
			isNextCluster:     true,
			readAsNextCluster: true,
		},
		{
			name:              "sometimes reserved is followed",
			entry:             0x0FFFFFF0,
			readAsNextCluster: true,
		},
		{
			name:      "reserved terminates a walk",
			entry:     0x0FFFFFF6,
			readAsEOF: true,
		},
		{
			name:  "bad cluster",
			entry: 0x0FFFFFF7,
			isBad: true,
		},
		{
			name:      "first end of chain marker",
			entry:     0x0FFFFFF8,
			isEOF:     true,
			readAsEOF: true,
		},
		{
			name:      "canonical end of chain",
			entry:     0x0FFFFFFF,
			isEOF:     true,
			readAsEOF: true,
		},
		{
			name:              "reserved high bits are ignored",
			entry:             0xF0000005,
			isNextCluster:     true,
			readAsNextCluster: true,
		},
		{
			name:      "reserved high bits on EOF",
			entry:     0xFFFFFFFF,
			isEOF:     true,
			readAsEOF: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.IsFree(); got != tt.isFree {
				t.Errorf("IsFree() = %v, want %v", got, tt.isFree)
			}
			if got := tt.entry.IsNextCluster(); got != tt.isNextCluster {
				t.Errorf("IsNextCluster() = %v, want %v", got, tt.isNextCluster)
			}
			if got := tt.entry.IsBad(); got != tt.isBad {
				t.Errorf("IsBad() = %v, want %v", got, tt.isBad)
			}
			if got := tt.entry.IsEOF(); got != tt.isEOF {
				t.Errorf("IsEOF() = %v, want %v", got, tt.isEOF)
			}
			if got := tt.entry.ReadAsNextCluster(); got != tt.readAsNextCluster {
				t.Errorf("ReadAsNextCluster() = %v, want %v", got, tt.readAsNextCluster)
			}
			if got := tt.entry.ReadAsEOF(); got != tt.readAsEOF {
				t.Errorf("ReadAsEOF() = %v, want %v", got, tt.readAsEOF)
			}
		})
	}
}

func TestFatEntry_Value(t *testing.T) {
	if got := fatEntry(0xFFFFFFFF).Value(); got != 0x0FFFFFFF {
		t.Errorf("Value() = 0x%08X, want 0x0FFFFFFF", got)
	}
	if got := fatEntry(0x10000005).Value(); got != 0x00000005 {
		t.Errorf("Value() = 0x%08X, want 0x00000005", got)
	}
}
