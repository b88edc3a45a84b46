package assembler

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind tags a Classification.
type Kind int

const (
	NoLookup Kind = iota
	Lookup
)

func (k Kind) String() string {
	if k == Lookup {
		return "lookup"
	}
	return "no-lookup"
}

// Classification is the outcome of Classify: either no catalog lookup, or a
// lookup with the extracted query.
type Classification struct {
	Kind  Kind
	Query string
}

var (
	commandRe = regexp.MustCompile(`(?i)^\s*/(?:book|books|search|find)\s+(.+)$`)
	isbnRe    = regexp.MustCompile(`\b(?:97[89][- ]?)?(?:\d[- ]?){9}[\dXx]\b`)
	quotedRe  = regexp.MustCompile(`["“]([^"”]{2,})["”]`)
	byRe      = regexp.MustCompile(`(?i)\b(?:books?|novels?|something|anything)\s+by\s+([\p{L}.' -]{3,})`)
)

// triggers mark a message as being about books.
var triggers = []string{
	"book", "books", "novel", "novels", "read", "reading", "recommend",
	"recommendation", "recommendations", "suggest", "suggestion", "author",
	"series", "sequel", "isbn", "title", "paperback", "hardcover",
}

// filler words are stripped from the query.
var filler = map[string]bool{
	"a": true, "an": true, "the": true, "me": true, "my": true, "i": true,
	"you": true, "your": true, "some": true, "any": true, "can": true,
	"could": true, "would": true, "please": true, "pls": true, "do": true,
	"have": true, "got": true, "good": true, "great": true, "nice": true,
	"new": true, "want": true, "like": true, "looking": true, "for": true,
	"to": true, "of": true, "about": true, "with": true, "is": true,
	"are": true, "there": true, "what": true, "whats": true, "which": true,
	"hi": true, "hey": true, "hello": true, "thanks": true, "something": true,
	"anything": true, "one": true, "other": true, "another": true, "more": true,
	"similar": true, "should": true, "next": true, "give": true, "show": true,
	"find": true, "search": true, "need": true, "it": true, "that": true,
	"this": true, "on": true, "in": true, "and": true, "or": true,
}

// Classify decides whether text asks about books and, if so, what to
// search the catalog for. It is pure: same input, same output.
func Classify(text string) Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{Kind: NoLookup}
	}

	if m := commandRe.FindStringSubmatch(text); m != nil {
		return lookup(m[1])
	}
	if m := isbnRe.FindString(text); m != "" {
		if isbn := digitsOnly(m); len(isbn) == 10 || len(isbn) == 13 {
			return Classification{Kind: Lookup, Query: isbn}
		}
	}

	words := tokenize(text)
	if !hasTrigger(words) {
		return Classification{Kind: NoLookup}
	}

	if m := quotedRe.FindStringSubmatch(text); m != nil {
		return lookup(m[1])
	}
	if m := byRe.FindStringSubmatch(text); m != nil {
		return lookup(m[1])
	}

	var kept []string
	for _, w := range words {
		if filler[w] || isTrigger(w) {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return Classification{Kind: NoLookup}
	}
	return Classification{Kind: Lookup, Query: strings.Join(kept, " ")}
}

func lookup(q string) Classification {
	q = strings.Trim(strings.TrimSpace(q), ".,!?;:")
	if q == "" {
		return Classification{Kind: NoLookup}
	}
	return Classification{Kind: Lookup, Query: q}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func hasTrigger(words []string) bool {
	for _, w := range words {
		if isTrigger(w) {
			return true
		}
	}
	return false
}

func isTrigger(w string) bool {
	for _, t := range triggers {
		if w == t {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == 'X' || r == 'x' {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
