package mention

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// tokenPattern matches opaque gateway mention tokens like <@12345>.
var tokenPattern = regexp.MustCompile(`<@(\d+)>`)

// Resolver performs the live gateway lookup of a mention token's display
// name (without the "@" prefix).
type Resolver func(ctx context.Context, token string) (string, error)

// Codec is a bidirectional, process-lifetime cache mapping mention tokens to
// display names. Entries are populated lazily on first encounter, never
// persisted and never evicted; the table is bounded by the number of
// distinct participants mentioned, not by message volume.
//
// One instance is shared by all concurrent pipeline runs. Every read and
// every read-modify-write sequence holds the single mutex for the whole
// call, so two concurrent decodes of the same new token cannot race: the
// second observes and reuses the first's entry.
type Codec struct {
	mu      sync.Mutex
	byToken map[string]string // "<@42>" -> "@Ada"
	byName  map[string]string // lower("@ada") -> "<@42>"
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		byToken: make(map[string]string),
		byName:  make(map[string]string),
		logger:  logger,
	}
}

// Decode rewrites every mention token in text to "@" + display name. The
// resolver is invoked at most once per distinct uncached token; tokens it
// fails on are left as the original token text.
func (c *Codec) Decode(ctx context.Context, text string, resolve Resolver) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		if _, ok := c.byToken[m]; ok {
			continue
		}

		nick, err := resolve(ctx, m)
		if err != nil {
			c.logger.Warn("mention lookup failed", "token", m, "err", err)
			continue
		}
		name := "@" + nick
		key := strings.ToLower(name)
		if other, taken := c.byName[key]; taken && other != m {
			// Two tokens claiming one display name would break the
			// round-trip; the first entry wins and this token stays raw.
			c.logger.Warn("display name already mapped", "token", m, "name", name, "existing", other)
			continue
		}
		c.byToken[m] = name
		c.byName[key] = m
	}

	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if name, ok := c.byToken[tok]; ok {
			return name
		}
		return tok
	})
}

// Encode replaces every occurrence of a cached display name with its mention
// token. Matching is case-insensitive and longest-match-first so that
// "@Ada Lovelace" is never clipped by an "@Ada" entry. Names with no cached
// entry are left untouched.
func (c *Codec) Encode(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.byToken) == 0 {
		return text
	}

	names := make([]string, 0, len(c.byToken))
	for _, name := range c.byToken {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	re, err := regexp.Compile(`(?i)` + strings.Join(quoted, "|"))
	if err != nil {
		c.logger.Error("mention pattern compile failed", "err", err)
		return text
	}

	return re.ReplaceAllStringFunc(text, func(name string) string {
		if tok, ok := c.byName[strings.ToLower(name)]; ok {
			return tok
		}
		return name
	})
}

// Len reports the number of cached entries.
func (c *Codec) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byToken)
}
