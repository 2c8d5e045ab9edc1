package autoreply

import (
	"regexp"
	"strings"
	"sync"
	"time"

	t "github.com/relaymesh/gateway/internal/store/types"
)

// regexCache memoizes compiled manual-rule patterns by rule id + updated_at
// so a hot conversation path never recompiles a regex per inbound message
// (SPEC_FULL.md §C.5).
type regexCache struct {
	mu      sync.Mutex
	entries map[int64]cachedRegex
}

type cachedRegex struct {
	updatedAt time.Time
	re        *regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{entries: make(map[int64]cachedRegex)}
}

func (c *regexCache) compile(rule t.ManualRule) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[rule.ID]; ok && e.updatedAt.Equal(rule.UpdatedAt) {
		return e.re, nil
	}
	re, err := regexp.Compile(rule.Trigger)
	if err != nil {
		return nil, err
	}
	c.entries[rule.ID] = cachedRegex{updatedAt: rule.UpdatedAt, re: re}
	return re, nil
}

// matchManualRule implements spec §4.3's responder-selection step 1: active
// rules ordered by descending priority then ascending id, case-insensitive
// except for regex mode.
func matchManualRule(rules []t.ManualRule, text string, cache *regexCache) (*t.ManualRule, bool) {
	lower := strings.ToLower(text)
	for i := range rules {
		r := rules[i]
		if !r.Active {
			continue
		}
		switch r.Mode {
		case t.MatchExact:
			if lower == strings.ToLower(r.Trigger) {
				return &r, true
			}
		case t.MatchContains:
			if strings.Contains(lower, strings.ToLower(r.Trigger)) {
				return &r, true
			}
		case t.MatchStartsWith:
			if strings.HasPrefix(lower, strings.ToLower(r.Trigger)) {
				return &r, true
			}
		case t.MatchEndsWith:
			if strings.HasSuffix(lower, strings.ToLower(r.Trigger)) {
				return &r, true
			}
		case t.MatchRegex:
			re, err := cache.compile(r)
			if err != nil {
				continue
			}
			if re.MatchString(text) {
				return &r, true
			}
		}
	}
	return nil, false
}
