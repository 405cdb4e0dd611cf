package service

import (
	"sort"
	"strings"
)

// FAQ 关键词匹配标准答案，关键词按长度倒序匹配，长词优先
type FAQ struct {
	keywords []string
	answers  map[string]string
}

func NewFAQ(entries map[string]string) *FAQ {
	f := &FAQ{answers: make(map[string]string, len(entries))}
	for k, v := range entries {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || v == "" {
			continue
		}
		f.answers[k] = v
		f.keywords = append(f.keywords, k)
	}
	sort.Slice(f.keywords, func(i, j int) bool {
		if len(f.keywords[i]) != len(f.keywords[j]) {
			return len(f.keywords[i]) > len(f.keywords[j])
		}
		return f.keywords[i] < f.keywords[j]
	})
	return f
}

// Match 返回命中的答案，没有命中返回空串
func (f *FAQ) Match(text string) string {
	text = strings.ToLower(text)
	for _, k := range f.keywords {
		if strings.Contains(text, k) {
			return f.answers[k]
		}
	}
	return ""
}
