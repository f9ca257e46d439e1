package reconstruction

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Pair is an ordered pair of image names considered for matching.
type Pair struct {
	ImageA, ImageB string
}

func (p Pair) String() string {
	return p.ImageA + " " + p.ImageB
}

// AppendPairs appends newPairs to the working pairs file, creating it if
// necessary. It guarantees a trailing newline before writing — even if the
// existing file lacks one — so two pairs never glue onto one line. Pairs
// already written by a prior call are never rewritten or reordered.
func AppendPairs(path string, newPairs []Pair) error {
	if len(newPairs) == 0 {
		return nil
	}

	needsLeadingNewline := false
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read pairs file: %w", err)
		}
		needsLeadingNewline = len(data) > 0 && data[len(data)-1] != '\n'
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pairs file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if needsLeadingNewline {
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	for _, p := range newPairs {
		if _, err := w.WriteString(p.String() + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadPairs reads every pair currently in the working pairs file. Used by
// tests asserting pair-file monotonicity: every pair written by a prior
// request remains present.
func ReadPairs(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pairs file: %w", err)
	}

	var pairs []Pair
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pairs = append(pairs, Pair{ImageA: fields[0], ImageB: fields[1]})
	}
	return pairs, nil
}

// ExhaustivePairs returns every unordered pair of names, each oriented
// lexicographically smaller-first — the pair set generated at bootstrap and
// re-derived for newly arrived images during the "n" handler.
func ExhaustivePairs(names []string) []Pair {
	var pairs []Pair
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			if a > b {
				a, b = b, a
			}
			pairs = append(pairs, Pair{ImageA: a, ImageB: b})
		}
	}
	return pairs
}

// PairsWithNewImages returns every pair between a newly arrived image and
// every reference image, plus every pair of new images, each combination
// once (a reference name that is also in newNames is paired only through the
// new-image pass), used by the "n" handler to extend the working pairs file without
// recomputing pairs already matched.
func PairsWithNewImages(newNames, referenceNames []string) []Pair {
	var pairs []Pair
	seen := make(map[string]bool, len(newNames))
	for _, n := range newNames {
		seen[n] = true
	}
	for i, a := range newNames {
		for _, b := range referenceNames {
			if a == b || seen[b] {
				continue
			}
			pairs = append(pairs, orient(a, b))
		}
		// Pair new images against each other too, each combination once.
		for _, b := range newNames[i+1:] {
			pairs = append(pairs, orient(a, b))
		}
	}
	return pairs
}

func orient(a, b string) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{ImageA: a, ImageB: b}
}
