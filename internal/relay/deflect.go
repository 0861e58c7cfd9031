package relay

import (
	_ "embed"
	"math/rand"
	"strings"
)

//go:embed deflections.txt
var deflectionsRaw string

// fallbackDeflection is used if the embedded catalog is somehow empty.
const fallbackDeflection = "Crikey, I'm not sure what to say."

// Catalog is the fixed set of stock refusal phrases used when moderation
// flags the input or the reply.
type Catalog struct {
	lines []string
}

func DefaultCatalog() *Catalog {
	return NewCatalog(deflectionsRaw)
}

// NewCatalog parses one phrase per non-empty line.
func NewCatalog(raw string) *Catalog {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return &Catalog{lines: lines}
}

// Pick selects one phrase uniformly at random.
func (c *Catalog) Pick() string {
	if len(c.lines) == 0 {
		return fallbackDeflection
	}
	return c.lines[rand.Intn(len(c.lines))]
}

// Contains reports whether s is one of the catalog's phrases.
func (c *Catalog) Contains(s string) bool {
	for _, line := range c.lines {
		if line == s {
			return true
		}
	}
	return false
}
