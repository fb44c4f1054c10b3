package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance bounds "did you mean?" suggestions.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"server":    {"base_url", "client_id", "client_secret", "redirect_uri"},
	"retry":     {"base_delay", "max_delay", "max_attempts", "max_elapsed"},
	"transfers": {"bandwidth_limit", "chunk_size", "concurrency", "ordered_upload", "resolution_strategy", "session_db", "session_max_age"},
	"logging":   {"log_level"},
	"network":   {"connect_timeout", "data_timeout", "user_agent"},
}

var knownSections = func() []string {
	s := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		s = append(s, k)
	}

	slices.Sort(s)

	return s
}()

// checkUnknownKeys rejects keys the decoder did not recognize, suggesting
// the closest valid one where possible.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	if len(key) == 1 {
		if s := closestMatch(key[0], knownSections); s != "" {
			return fmt.Errorf("unknown config section or key %q, did you mean [%s]?", key[0], s)
		}

		return fmt.Errorf("unknown config section or key %q", key[0])
	}

	section, field := key[0], strings.Join(key[1:], ".")

	keys, ok := knownKeys[section]
	if !ok {
		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section [%s], did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if s := closestMatch(field, keys); s != "" {
		return fmt.Errorf("unknown key %q in [%s], did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown key %q in [%s]", field, section)
}

// closestMatch returns the known key nearest to unknown by edit distance,
// or "" if none is within maxLevenshteinDistance. known must be sorted so
// ties resolve deterministically.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
