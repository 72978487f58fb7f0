package format

import (
	"testing"
)

func TestHumanNumber(t *testing.T) {
	type testCase struct {
		input    uint64
		expected string
	}

	testCases := []testCase{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{26000, "26.0K"},
		{1520000, "1.52M"},
		{206000000, "206M"},
		{2800000000, "2.80B"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanNumber(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		512:           "512 B",
		2048:          "2.0 KB",
		3_500_000:     "3.5 MB",
		4_200_000_000: "4.2 GB",
	}

	for in, want := range cases {
		if got := HumanBytes(in); got != want {
			t.Errorf("HumanBytes(%d) = %s, want %s", in, got, want)
		}
	}
}

func TestProgress(t *testing.T) {
	if got := Progress(10, 40); got != "10/40 (25%)" {
		t.Errorf("unexpected progress %q", got)
	}
	if got := Progress(0, 0); got != "0/0" {
		t.Errorf("unexpected progress %q", got)
	}
}
