package orchestrator

import (
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

const (
	acronymLength  = 3
	acronymFiller  = 'x'
	fallbackPrefix = "run"
	runIDDateFmt   = "060102"
)

// IdentityGenerator derives `<acronym>-<YYMMDD>-<seq>` run identifiers.
//
// The sequence comes from a directory listing plus the identifiers the caller
// already holds in memory, so it is only as linearizable as its caller makes
// it. The registry calls Next under its lock.
type IdentityGenerator struct {
	now func() time.Time
}

func NewIdentityGenerator() *IdentityGenerator {
	return &IdentityGenerator{now: time.Now}
}

// Next returns the next free identifier for the configuration at configPath.
// Entries of resultsDir and the ids in taken that share the
// `<acronym>-<date>-` prefix are considered used.
func (g *IdentityGenerator) Next(configPath, resultsDir string, taken []string) string {
	acronym := fallbackPrefix
	if name := BehaviorName(configPath); name != "" {
		if a := Acronym(name); a != "" {
			acronym = a
		}
	}
	prefix := acronym + "-" + g.now().UTC().Format(runIDDateFmt) + "-"

	maxSeq := 0
	consider := func(name string) {
		if !strings.HasPrefix(name, prefix) {
			return
		}
		seq, err := strconv.Atoi(name[len(prefix):])
		if err != nil || seq <= maxSeq {
			return
		}
		maxSeq = seq
	}

	if entries, err := os.ReadDir(resultsDir); err == nil {
		for _, e := range entries {
			consider(e.Name())
		}
	}
	for _, id := range taken {
		consider(id)
	}

	return prefix + strconv.Itoa(maxSeq+1)
}

// BehaviorName returns the first key under the configuration's top-level
// `behaviors` mapping, or "" when the file is unreadable or has none.
func BehaviorName(configPath string) string {
	if strings.TrimSpace(configPath) == "" {
		return ""
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return ""
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return ""
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return ""
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if !strings.EqualFold(strings.TrimSpace(root.Content[i].Value), "behaviors") {
			continue
		}
		behaviors := root.Content[i+1]
		if behaviors.Kind != yaml.MappingNode || len(behaviors.Content) < 2 {
			return ""
		}
		return strings.TrimSpace(behaviors.Content[0].Value)
	}
	return ""
}

// Acronym builds a lowercase identifier prefix from a behavior name: the first
// letter of each word, at most three. Short acronyms are padded with the
// unused consonants of the last word, then any other unused letter of the
// name, then 'x'.
//
// "ReachTarget" -> "rtg", "3DBall" -> "3db", "Walker" -> "wlk".
func Acronym(name string) string {
	words := splitWords(name)
	if len(words) == 0 {
		return ""
	}

	out := make([]rune, 0, acronymLength)
	used := map[rune]bool{}
	add := func(r rune) bool {
		r = unicode.ToLower(r)
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r)) {
			return false
		}
		out = append(out, r)
		used[r] = true
		return len(out) >= acronymLength
	}

	for _, w := range words {
		if add([]rune(w)[0]) {
			return string(out)
		}
	}

	last := []rune(words[len(words)-1])
	for _, r := range last[1:] {
		lr := unicode.ToLower(r)
		if used[lr] || !isConsonant(lr) {
			continue
		}
		if add(lr) {
			return string(out)
		}
	}

	for _, w := range words {
		for _, r := range w {
			lr := unicode.ToLower(r)
			if used[lr] {
				continue
			}
			if add(lr) {
				return string(out)
			}
		}
	}

	for len(out) < acronymLength {
		out = append(out, acronymFiller)
	}
	return string(out)
}

// splitWords splits on separators, lower-to-upper transitions, the last upper
// of an upper run followed by a lower ("DBall" -> "D", "Ball"), and
// letter/digit transitions.
func splitWords(name string) []string {
	runes := []rune(strings.TrimSpace(name))
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsDigit(r) != unicode.IsDigit(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsLower(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func isConsonant(r rune) bool {
	if r < 'a' || r > 'z' {
		return false
	}
	return !strings.ContainsRune("aeiou", r)
}
