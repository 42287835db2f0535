// Package market holds the static table of regional deployment contexts.
// Each market is identified by a numeric id and a short code, and carries the
// hygiene segment id its baseline exclusion rules reference.
package market

import "strconv"

// Market describes one regional deployment context.
type Market struct {
	Code      string
	ID        int
	HygieneID int64
	// DomainHint is the storefront domain expected in query text that
	// targets this market. Used only for advisory scans, never rewritten.
	DomainHint string
}

// CanonicalOrder is the fixed fan-out and reporting order for all markets.
var CanonicalOrder = []int{3, 4, 5, 35691, 44551}

var byID = map[int]Market{
	3:     {Code: "UK", ID: 3, HygieneID: 1266805602, DomainHint: "amazon.co.uk"},
	4:     {Code: "DE", ID: 4, HygieneID: 1266778402, DomainHint: "amazon.de"},
	5:     {Code: "FR", ID: 5, HygieneID: 1266807602, DomainHint: "amazon.fr"},
	35691: {Code: "IT", ID: 35691, HygieneID: 1266817602, DomainHint: "amazon.it"},
	44551: {Code: "ES", ID: 44551, HygieneID: 1266813602, DomainHint: "amazon.es"},
}

var byCode = func() map[string]Market {
	m := make(map[string]Market, len(byID))
	for _, mk := range byID {
		m[mk.Code] = mk
	}
	return m
}()

// ByID looks a market up by numeric id.
func ByID(id int) (Market, bool) {
	m, ok := byID[id]
	return m, ok
}

// ByCode looks a market up by its short code (e.g. "UK").
func ByCode(code string) (Market, bool) {
	m, ok := byCode[code]
	return m, ok
}

// All returns every known market in canonical order.
func All() []Market {
	out := make([]Market, 0, len(CanonicalOrder))
	for _, id := range CanonicalOrder {
		out = append(out, byID[id])
	}
	return out
}

// CodeOf returns the code for id, or the id rendered as text when unknown.
func CodeOf(id int) string {
	if m, ok := byID[id]; ok {
		return m.Code
	}
	return strconv.Itoa(id)
}

// KnownHygieneIDs returns the set of hygiene segment ids across all markets.
func KnownHygieneIDs() map[int64]bool {
	out := make(map[int64]bool, len(byID))
	for _, m := range byID {
		out[m.HygieneID] = true
	}
	return out
}

// OrderIndex returns the canonical sort position for a market id. Unknown
// markets sort after all known ones.
func OrderIndex(id int) int {
	for i, mid := range CanonicalOrder {
		if mid == id {
			return i
		}
	}
	return len(CanonicalOrder)
}
