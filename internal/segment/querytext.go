package segment

import (
	"regexp"
	"strconv"
)

// The serialized query text has no formal grammar we can re-parse, so the
// mirror rewrites are pinned to two token patterns. Both rewrite only
// occurrences whose captured value matches, and report how many they touched.

// marketId = 4, marketId == 4, marketId = '4', marketId == "4"
var marketPattern = regexp.MustCompile(`\bmarketId\s*={1,2}\s*(["']?)(\d+)(["']?)`)

// segment( 1266778402 )
var hygienePattern = regexp.MustCompile(`(?i)(segment\(\s*)(\d+)(\s*\))`)

// rewriteMarketInQuery replaces srcID with dstID in every market-comparison
// token whose value equals srcID, and returns the rewrite count.
func rewriteMarketInQuery(query string, srcID, dstID int) (string, int) {
	src := strconv.Itoa(srcID)
	dst := strconv.Itoa(dstID)
	count := 0
	out := marketPattern.ReplaceAllStringFunc(query, func(m string) string {
		sub := marketPattern.FindStringSubmatch(m)
		openQuote, val, closeQuote := sub[1], sub[2], sub[3]
		if val != src || openQuote != closeQuote {
			return m
		}
		count++
		prefix := m[:len(m)-len(openQuote)-len(val)-len(closeQuote)]
		return prefix + openQuote + dst + closeQuote
	})
	return out, count
}

// rewriteHygieneInQuery replaces reference-function calls whose argument is
// one of oldIDs with the target hygiene id, and returns the rewrite count.
func rewriteHygieneInQuery(query string, oldIDs []int64, target int64) (string, int) {
	if len(oldIDs) == 0 || target == 0 {
		return query, 0
	}
	old := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		old[strconv.FormatInt(id, 10)] = true
	}
	dst := strconv.FormatInt(target, 10)
	count := 0
	out := hygienePattern.ReplaceAllStringFunc(query, func(m string) string {
		sub := hygienePattern.FindStringSubmatch(m)
		if !old[sub[2]] {
			return m
		}
		count++
		return sub[1] + dst + sub[3]
	})
	return out, count
}
