package attach

import "testing"

func TestMaxRowsPerMapMatchesDocumentedCap(t *testing.T) {
	if MaxRowsPerMap != 0xffff {
		t.Fatalf("MaxRowsPerMap = %#x, want 0xffff", MaxRowsPerMap)
	}
}

func TestPartitionRowCounts(t *testing.T) {
	cases := []struct {
		total int
		want  []int
	}{
		{0, nil},
		{10, []int{10}},
		{MaxRowsPerMap, []int{MaxRowsPerMap}},
		{MaxRowsPerMap + 1, []int{MaxRowsPerMap, 1}},
		{MaxRowsPerMap*2 + 5, []int{MaxRowsPerMap, MaxRowsPerMap, 5}},
	}
	for _, c := range cases {
		got := PartitionRowCounts(c.total)
		if len(got) != len(c.want) {
			t.Fatalf("PartitionRowCounts(%d) = %v, want %v", c.total, got, c.want)
		}
		sum := 0
		for i, n := range got {
			if n != c.want[i] {
				t.Fatalf("PartitionRowCounts(%d) = %v, want %v", c.total, got, c.want)
			}
			if n > MaxRowsPerMap {
				t.Fatalf("partition %d exceeds MaxRowsPerMap", n)
			}
			sum += n
		}
		if sum != c.total {
			t.Fatalf("PartitionRowCounts(%d) sums to %d, want %d", c.total, sum, c.total)
		}
	}
}
