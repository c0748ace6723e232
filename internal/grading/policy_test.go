package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampBounds(t *testing.T) {
	assert.Equal(t, 10, ClampCA(15))
	assert.Equal(t, 0, ClampCA(-3))
	assert.Equal(t, 7, ClampCA(7))
	assert.Equal(t, 60, ClampExam(75))
	assert.Equal(t, 0, ClampExam(-1))
	assert.Equal(t, 42, ClampExam(42))
}

func TestTotalIsExactSumOfClampedComponents(t *testing.T) {
	assert.Equal(t, 100, Total(10, 10, 10, 10, 60))
	assert.Equal(t, 0, Total(0, 0, 0, 0, 0))
	assert.Equal(t, 33, Total(5, 6, 7, 8, 7))
	// out-of-range components clamp before summing
	assert.Equal(t, 100, Total(15, 12, 11, 99, 75))
	assert.Equal(t, 10, Total(-3, 10, -1, 0, -20))
}

func TestStandardScaleBoundaries(t *testing.T) {
	cases := []struct {
		total  int
		grade  string
		remark string
	}{
		{100, "A", "Excellent"},
		{70, "A", "Excellent"},
		{69, "B", "Very Good"},
		{60, "B", "Very Good"},
		{59, "C", "Good"},
		{50, "C", "Good"},
		{49, "D", "Fair"},
		{45, "D", "Fair"},
		{44, "E", "Pass"},
		{40, "E", "Pass"},
		{39, "F", "Fail"},
		{0, "F", "Fail"},
	}
	for _, tc := range cases {
		grade, remark := Standard.Grade(tc.total)
		assert.Equalf(t, tc.grade, grade, "total %d", tc.total)
		assert.Equalf(t, tc.remark, remark, "total %d", tc.total)
	}
}

func TestLegacyScaleBoundaries(t *testing.T) {
	cases := []struct {
		total  int
		grade  string
		remark string
	}{
		{70, "A", "Excellent"},
		{69, "C", "Credit"},
		{55, "C", "Credit"},
		{54, "P", "Pass"},
		{40, "P", "Pass"},
		{39, "F", "Fail"},
	}
	for _, tc := range cases {
		grade, remark := Legacy.Grade(tc.total)
		assert.Equalf(t, tc.grade, grade, "total %d", tc.total)
		assert.Equalf(t, tc.remark, remark, "total %d", tc.total)
	}
}

func TestByName(t *testing.T) {
	require.Equal(t, "legacy", ByName("legacy").Name)
	require.Equal(t, "standard", ByName("standard").Name)
	require.Equal(t, "standard", ByName("").Name)
	require.Equal(t, "standard", ByName("unknown").Name)
}
