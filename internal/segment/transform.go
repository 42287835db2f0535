package segment

import (
	"fmt"
	"strconv"
	"strings"

	"segforge/internal/market"
)

// Constraint keys recognised as reference-id constraints for hygiene
// substitution. Matched case-insensitively.
var hygieneKeys = map[string]bool{
	"segment_id": true,
	"segmentid":  true,
}

// marketKey is the constraint key carrying a market id.
const marketKey = "marketId"

// TransformResult reports what a cross-market transform changed.
type TransformResult struct {
	Definition *Definition
	// Notes are advisory findings for manual review; they never fail a clone.
	Notes []string
	// QueryMarketRewrites counts marketId occurrences rewritten in the
	// query text; QueryHygieneRewrites likewise for hygiene references.
	QueryMarketRewrites  int
	QueryHygieneRewrites int
	// OldHygieneIDs are the hygiene ids found (and replaced) in the tree.
	OldHygieneIDs []int64
}

// Transform rewrites a copy of src to target a different market. The rule
// tree and the serialized query text are rewritten together so they stay
// mutually consistent. The function is pure: it never touches the input and
// performs no I/O.
func Transform(src *Definition, target market.Market) (*TransformResult, error) {
	if src == nil {
		return nil, fmt.Errorf("nil source definition")
	}
	srcMarket, ok := market.ByID(src.MarketID)
	srcCode := srcMarket.Code
	if !ok {
		srcCode = strconv.Itoa(src.MarketID)
	}

	out := src.Clone()
	res := &TransformResult{Definition: out}

	// 1. Market id: top-level field plus every marketId constraint.
	out.MarketID = target.ID
	out.Rules.walk(func(n *RuleNode) {
		for i := range n.Constraints {
			c := &n.Constraints[i]
			if !strings.EqualFold(c.Key, marketKey) {
				continue
			}
			for j := range c.Values {
				c.Values[j] = retypedValue(c.Values[j], int64(target.ID))
			}
		}
	})

	// 2. Hygiene reference substitution. Only values that are currently a
	// known hygiene id are replaced; everything else is left alone.
	known := market.KnownHygieneIDs()
	out.Rules.walk(func(n *RuleNode) {
		for i := range n.Constraints {
			c := &n.Constraints[i]
			if !hygieneKeys[strings.ToLower(c.Key)] {
				continue
			}
			hit := false
			for _, v := range c.Values {
				if id, ok := v.Int(); ok && known[id] {
					res.OldHygieneIDs = append(res.OldHygieneIDs, id)
					hit = true
				}
			}
			if hit {
				c.Values = []Value{NumValue(target.HygieneID)}
			}
		}
	})

	// 3. Mirror both rewrites into the query text.
	var nMarket, nHygiene int
	out.Query, nMarket = rewriteMarketInQuery(out.Query, src.MarketID, target.ID)
	out.Query, nHygiene = rewriteHygieneInQuery(out.Query, res.OldHygieneIDs, target.HygieneID)
	res.QueryMarketRewrites = nMarket
	res.QueryHygieneRewrites = nHygiene

	// 4. Name.
	out.Name = TransformName(src.Name, srcCode, target.Code)

	// 5. Advisory notes.
	res.Notes = ScanQueryNotes(out.Query, target)
	return res, nil
}

// retypedValue replaces a value while keeping its original scalar typing.
func retypedValue(old Value, n int64) Value {
	if old.IsString {
		return StrValue(strconv.FormatInt(n, 10))
	}
	return NumValue(n)
}

// TransformName rewrites the source market code inside a display name.
// Exactly one of four strategies applies, tried in order: token-boundary
// substitution (separators are start/end, "_", "-", space), whole-word
// substitution, raw substring substitution, and finally appending the target
// code as a suffix when the source code does not appear at all.
func TransformName(name, srcCode, dstCode string) string {
	if name == "" {
		return dstCode
	}

	if replaced, changed := replaceToken(name, srcCode, dstCode); changed {
		return replaced
	}
	if replaced, changed := replaceWord(name, srcCode, dstCode); changed {
		return replaced
	}
	if strings.Contains(name, srcCode) {
		return strings.ReplaceAll(name, srcCode, dstCode)
	}
	return name + " " + dstCode
}

func isSeparator(b byte) bool {
	return b == '_' || b == '-' || b == ' '
}

// replaceToken substitutes occurrences of src bounded by string edges or
// separator characters.
func replaceToken(name, src, dst string) (string, bool) {
	if src == "" {
		return name, false
	}
	var b strings.Builder
	changed := false
	i := 0
	for i < len(name) {
		j := strings.Index(name[i:], src)
		if j < 0 {
			b.WriteString(name[i:])
			break
		}
		start := i + j
		end := start + len(src)
		leftOK := start == 0 || isSeparator(name[start-1])
		rightOK := end == len(name) || isSeparator(name[end])
		b.WriteString(name[i:start])
		if leftOK && rightOK {
			b.WriteString(dst)
			changed = true
		} else {
			b.WriteString(src)
		}
		i = end
	}
	return b.String(), changed
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z')
}

// replaceWord substitutes occurrences of src at word boundaries, for names
// whose separators are not covered by replaceToken (e.g. "Trends (UK)").
func replaceWord(name, src, dst string) (string, bool) {
	if src == "" {
		return name, false
	}
	var b strings.Builder
	changed := false
	i := 0
	for i < len(name) {
		j := strings.Index(name[i:], src)
		if j < 0 {
			b.WriteString(name[i:])
			break
		}
		start := i + j
		end := start + len(src)
		leftOK := start == 0 || !isWordByte(name[start-1])
		rightOK := end == len(name) || !isWordByte(name[end])
		b.WriteString(name[i:start])
		if leftOK && rightOK {
			b.WriteString(dst)
			changed = true
		} else {
			b.WriteString(src)
		}
		i = end
	}
	return b.String(), changed
}

// ScanQueryNotes flags query-text contents that look inconsistent with the
// target market: storefront domains of other markets and locale hints. These
// are hints for manual review, not errors.
func ScanQueryNotes(query string, target market.Market) []string {
	var notes []string
	for _, m := range market.All() {
		if m.ID == target.ID {
			continue
		}
		if m.DomainHint != "" && strings.Contains(query, m.DomainHint) {
			notes = append(notes, fmt.Sprintf("query references %s but targets %s; check URLs", m.DomainHint, target.Code))
		}
	}
	for _, key := range []string{"languageCode", "locale", "lang"} {
		if containsWord(query, key) {
			notes = append(notes, fmt.Sprintf("query contains %s; review locale for %s", key, target.Code))
			break
		}
	}
	return notes
}

func containsWord(s, word string) bool {
	i := 0
	for i < len(s) {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(word)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = end
	}
	return false
}
