package hw_test

import (
	"testing"

	"example.com/npu-sched/driver/hw"
)

func TestRegisterAmounts(t *testing.T) {
	tests := []struct {
		input    uint32
		expected uint32
	}{
		{input: 1, expected: 0},
		{input: 2, expected: 0},
		{input: 3, expected: 1},
		{input: 4, expected: 1},
		{input: 100, expected: 49},
	}
	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			result := hw.RegisterAmounts(test.input)
			if result != test.expected {
				t.Errorf("RegisterAmounts(%v) = %v; expected %v", test.input, result, test.expected)
			}
		})
	}
}

func TestSPointer(t *testing.T) {
	if v := hw.SPointer(0); v != 0xe {
		t.Errorf("SPointer(0) = %#x; expected 0xe", v)
	}
	if v := hw.SPointer(2); v != 0x2000000e {
		t.Errorf("SPointer(2) = %#x; expected 0x2000000e", v)
	}
	if v := hw.TaskCon(); v != 0x7001 {
		t.Errorf("TaskCon() = %#x; expected 0x7001", v)
	}
}
