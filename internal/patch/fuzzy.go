package patch

import (
	"strings"
	"unicode"
)

const tabWidth = 4

type window struct {
	start, end int // line indexes, end exclusive
	score      float64
}

// findBestWindow slides windows of len(search) lines, and one line shorter
// or longer, over content. A window's score is the mean per-line similarity
// of its best alignment with the search block; lines are compared token by
// token with indentation and trailing whitespace removed. Equal-size windows win ties,
// then earlier windows.
func findBestWindow(content, search string) window {
	fileLines := splitLines(content)
	searchLines := trimBlankEdges(strings.Split(strings.ReplaceAll(search, "\r\n", "\n"), "\n"))
	n, total := len(searchLines), len(fileLines)
	if n == 0 || total == 0 {
		return window{}
	}

	fileNorm := make([]string, total)
	for i, l := range fileLines {
		fileNorm[i] = normalizeLine(strings.TrimRight(l, "\r\n"))
	}
	searchNorm := make([]string, n)
	for i, l := range searchLines {
		searchNorm[i] = normalizeLine(l)
	}

	sc := &scorer{search: searchNorm, file: fileNorm, cache: make(map[int]float64)}
	best := window{}
	for _, size := range []int{n, n - 1, n + 1} {
		if size < 1 || size > total {
			continue
		}
		for start := 0; start+size <= total; start++ {
			var s float64
			switch {
			case size == n:
				s = sc.aligned(start)
			case size > n:
				s = sc.extraFileLine(start)
			default:
				s = sc.extraSearchLine(start)
			}
			if s > best.score {
				best = window{start: start, end: start + size, score: s}
			}
		}
	}
	return best
}

type scorer struct {
	search, file []string
	cache        map[int]float64
}

func (s *scorer) ratio(i, j int) float64 {
	key := i*len(s.file) + j
	if r, ok := s.cache[key]; ok {
		return r
	}
	r := lineRatio(s.search[i], s.file[j])
	s.cache[key] = r
	return r
}

// aligned scores search line i against file line start+i.
func (s *scorer) aligned(start int) float64 {
	sum := 0.0
	for i := range s.search {
		sum += s.ratio(i, start+i)
	}
	return sum / float64(len(s.search))
}

// extraFileLine scores a window of n+1 file lines, skipping the file line
// that yields the best alignment.
func (s *scorer) extraFileLine(start int) float64 {
	n := len(s.search)
	// after[k] = sum over i >= k of ratio(i, start+i+1)
	after := make([]float64, n+1)
	for i := n - 1; i >= 0; i-- {
		after[i] = after[i+1] + s.ratio(i, start+i+1)
	}
	best, before := 0.0, 0.0
	for k := 0; k <= n; k++ {
		if v := before + after[k]; v > best {
			best = v
		}
		if k < n {
			before += s.ratio(k, start+k)
		}
	}
	return best / float64(n+1)
}

// extraSearchLine scores a window of n-1 file lines, leaving out the search
// line that yields the best alignment.
func (s *scorer) extraSearchLine(start int) float64 {
	n := len(s.search)
	// after[k] = sum over i > k of ratio(i, start+i-1)
	after := make([]float64, n+1)
	for i := n - 1; i >= 1; i-- {
		after[i-1] = after[i] + s.ratio(i, start+i-1)
	}
	best, before := 0.0, 0.0
	for k := 0; k < n; k++ {
		if v := before + after[k]; v > best {
			best = v
		}
		if k < n-1 {
			before += s.ratio(k, start+k)
		}
	}
	return best / float64(n)
}

// minLineRatio is the similarity below which a line pair counts as a
// mismatch. Unrelated code lines still share brackets, dots and keywords.
const minLineRatio = 0.6

// lineRatio is 2*LCS/(len(a)+len(b)) over the lines' tokens, or 0 when that
// falls under minLineRatio. Two empty lines are equal.
func lineRatio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ta, tb := tokenize(a), tokenize(b)
	if len(ta)+len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	prev := make([]int, len(tb)+1)
	cur := make([]int, len(tb)+1)
	for i := 1; i <= len(ta); i++ {
		for j := 1; j <= len(tb); j++ {
			switch {
			case ta[i-1] == tb[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	r := 2 * float64(prev[len(tb)]) / float64(len(ta)+len(tb))
	if r < minLineRatio {
		return 0
	}
	return r
}

// tokenize splits a line into identifier and number runs plus single
// punctuation runes. Whitespace separates tokens and is dropped.
func tokenize(l string) []string {
	var (
		toks  []string
		start = -1
	)
	for i, r := range l {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			toks = append(toks, l[start:i])
			start = -1
		}
		if !unicode.IsSpace(r) {
			toks = append(toks, string(r))
		}
	}
	if start >= 0 {
		toks = append(toks, l[start:])
	}
	return toks
}

func normalizeLine(l string) string {
	return strings.TrimSpace(strings.ReplaceAll(l, "\t", strings.Repeat(" ", tabWidth)))
}

// splitLines splits content keeping each line's terminator.
func splitLines(content string) []string {
	lines := strings.SplitAfter(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func trimBlankEdges(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// commonIndent returns the longest leading-whitespace prefix shared by every
// non-blank line.
func commonIndent(lines []string) string {
	var indent string
	first := true
	for _, l := range lines {
		l = strings.TrimRight(l, "\r\n")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lead := l[:len(l)-len(strings.TrimLeft(l, " \t"))]
		if first {
			indent, first = lead, false
			continue
		}
		for !strings.HasPrefix(lead, indent) {
			indent = indent[:len(indent)-1]
		}
	}
	return indent
}

// spliceLines replaces file lines [start, end) with replace, re-indented to
// the matched block's base indentation and joined with eol. Bytes outside
// the block are untouched.
func spliceLines(content string, start, end int, search, replace, eol string) string {
	raw := splitLines(content)
	block := raw[start:end]
	fileBase := commonIndent(block)

	searchLines := strings.Split(strings.ReplaceAll(search, "\r\n", "\n"), "\n")
	searchBase := commonIndent(searchLines)

	replace = strings.ReplaceAll(replace, "\r\n", "\n")
	replace = strings.TrimSuffix(replace, "\n")
	var replLines []string
	if strings.TrimSpace(replace) != "" {
		replLines = trimBlankEdges(strings.Split(replace, "\n"))
	}

	replBase := searchBase
	for _, l := range replLines {
		if strings.TrimSpace(l) != "" && !strings.HasPrefix(l, searchBase) {
			replBase = commonIndent(replLines)
			break
		}
	}

	out := make([]string, len(replLines))
	for i, l := range replLines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out[i] = fileBase + strings.TrimPrefix(strings.TrimRight(l, " \t"), replBase)
	}

	var b strings.Builder
	for _, l := range raw[:start] {
		b.WriteString(l)
	}
	if len(out) > 0 {
		b.WriteString(strings.Join(out, eol))
		if strings.HasSuffix(block[len(block)-1], "\n") {
			b.WriteString(eol)
		}
	}
	for _, l := range raw[end:] {
		b.WriteString(l)
	}
	return b.String()
}
