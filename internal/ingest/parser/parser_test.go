package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHeading(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"1.2 Payroll Procedure", true},
		{"3 Overview", true},
		{"INTRODUCTION", true},
		{"This is a normal sentence that ends with a period.", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isHeading(tc.text), tc.text)
	}
}

func TestHeadingLevel(t *testing.T) {
	assert.Equal(t, 1, headingLevel("3 Overview"))
	assert.Equal(t, 2, headingLevel("1.2 Payroll Procedure"))
	assert.Equal(t, 3, headingLevel("1.2.4 Expense Limits"))
	assert.Equal(t, 1, headingLevel("INTRODUCTION"))
}

func TestSegmentLinesSplitsTypes(t *testing.T) {
	lines := []line{
		{text: "1 Benefits", columns: 1},
		{text: "Employees receive a meal allowance.", columns: 1},
		{text: "It is paid monthly.", columns: 1},
		{text: "Table 1 Allowance amounts", columns: 1},
		{text: "Role\tAmount\tCurrency", columns: 3},
		{text: "Engineer\t100\tUSD", columns: 3},
		{text: "Amounts are reviewed yearly.", columns: 1},
	}

	section := ""
	segments := segmentLines(lines, 1, &section)

	assert.Len(t, segments, 5)

	assert.Equal(t, 1, segments[0].HeadingLevel)
	assert.Equal(t, "1 Benefits", segments[0].Section)

	assert.False(t, segments[1].IsTable)
	assert.Contains(t, segments[1].Text, "meal allowance")
	assert.Contains(t, segments[1].Text, "paid monthly")
	assert.Equal(t, "1 Benefits", segments[1].Section)

	assert.True(t, segments[2].IsCaption)

	assert.True(t, segments[3].IsTable)
	assert.Contains(t, segments[3].Text, "Engineer")

	assert.False(t, segments[4].IsTable)
	assert.Equal(t, 1, segments[4].Page)
}
