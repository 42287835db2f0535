package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteMarketInQuery(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
		count int
	}{
		{"single equals", "marketId = 4", "marketId = 3", 1},
		{"double equals", "marketId==4", "marketId==3", 1},
		{"single quoted", "marketId = '4'", "marketId = '3'", 1},
		{"double quoted", `marketId == "4"`, `marketId == "3"`, 1},
		{"other id untouched", "marketId = 5 and marketId = 4", "marketId = 5 and marketId = 3", 1},
		{"number inside id untouched", "marketId = 44551", "marketId = 44551", 0},
		{"not the field", "supermarketId = 4", "supermarketId = 4", 0},
		{"multiple hits", "marketId = 4 or marketId = 4", "marketId = 3 or marketId = 3", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, n := rewriteMarketInQuery(tc.in, 4, 3)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.count, n)
		})
	}
}

func TestRewriteHygieneInQuery(t *testing.T) {
	in := "segment(1266778402) and segment( 1266700000 ) and SEGMENT(1266778402)"
	got, n := rewriteHygieneInQuery(in, []int64{1266778402}, 1266805602)
	assert.Equal(t, "segment(1266805602) and segment( 1266700000 ) and SEGMENT(1266805602)", got)
	assert.Equal(t, 2, n)
}

func TestRewriteHygieneNoOldIDs(t *testing.T) {
	in := "segment(1266778402)"
	got, n := rewriteHygieneInQuery(in, nil, 1266805602)
	assert.Equal(t, in, got)
	assert.Equal(t, 0, n)
}
