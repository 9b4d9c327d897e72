package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"tg-autoreply-bot/internal/domain"
)

// textMatcher — скомпилированный матчер текста сообщения.
type textMatcher interface {
	Match(text string) bool
}

type exactMatcher struct {
	pattern       string
	caseSensitive bool
}

func (m exactMatcher) Match(text string) bool {
	if m.caseSensitive {
		return text == m.pattern
	}
	return strings.EqualFold(text, m.pattern)
}

type containsMatcher struct {
	pattern       string // при нечувствительности к регистру хранится в нижнем
	caseSensitive bool
}

func (m containsMatcher) Match(text string) bool {
	if m.caseSensitive {
		return strings.Contains(text, m.pattern)
	}
	return strings.Contains(strings.ToLower(text), m.pattern)
}

type prefixMatcher struct {
	pattern       string
	caseSensitive bool
}

func (m prefixMatcher) Match(text string) bool {
	if m.caseSensitive {
		return strings.HasPrefix(text, m.pattern)
	}
	return strings.HasPrefix(strings.ToLower(text), m.pattern)
}

type suffixMatcher struct {
	pattern       string
	caseSensitive bool
}

func (m suffixMatcher) Match(text string) bool {
	if m.caseSensitive {
		return strings.HasSuffix(text, m.pattern)
	}
	return strings.HasSuffix(strings.ToLower(text), m.pattern)
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) Match(text string) bool {
	return m.re.MatchString(text)
}

// compileMatcher строит матчер по описанию правила.
func compileMatcher(m domain.Matcher, cache *regexCache) (textMatcher, error) {
	pattern := m.Pattern
	if !m.CaseSensitive {
		pattern = strings.ToLower(pattern)
	}
	switch m.Kind {
	case domain.MatchExact:
		return exactMatcher{pattern: m.Pattern, caseSensitive: m.CaseSensitive}, nil
	case domain.MatchContains:
		return containsMatcher{pattern: pattern, caseSensitive: m.CaseSensitive}, nil
	case domain.MatchPrefix:
		return prefixMatcher{pattern: pattern, caseSensitive: m.CaseSensitive}, nil
	case domain.MatchSuffix:
		return suffixMatcher{pattern: pattern, caseSensitive: m.CaseSensitive}, nil
	case domain.MatchRegex:
		re, err := cache.get(m.Pattern, m.Flags, m.CaseSensitive)
		if err != nil {
			return nil, err
		}
		return regexMatcher{re: re}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип матчера %q", m.Kind)
	}
}

// regexCache кэширует скомпилированные регулярные выражения по (pattern, flags).
// Постоянная перекомпиляция — основная стоимость на масштабе, поэтому кэш
// обязателен; ёмкость ограничена, при переполнении вытесняется самый старый
// ключ.
type regexCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*regexp.Regexp
	order    []string
}

func newRegexCache(capacity int) *regexCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &regexCache{capacity: capacity, items: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(pattern, flags string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive && !strings.Contains(flags, "i") {
		flags += "i"
	}
	key := flags + "\x00" + pattern

	c.mu.Lock()
	if re, ok := c.items[key]; ok {
		c.mu.Unlock()
		return re, nil
	}
	c.mu.Unlock()

	expr := pattern
	if flags != "" {
		expr = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("компиляция регулярного выражения %q: %w", pattern, err)
	}

	c.mu.Lock()
	if _, ok := c.items[key]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.items[key] = re
		c.order = append(c.order, key)
	}
	c.mu.Unlock()
	return re, nil
}

func (c *regexCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
