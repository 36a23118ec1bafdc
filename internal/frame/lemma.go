package frame

import "strings"

// lemmaCandidates 生成词条的候选原形（仅处理首词的常见英语屈折），原词优先。
func lemmaCandidates(term string) []string {
	if term == "" {
		return nil
	}
	head, rest := term, ""
	if i := strings.IndexByte(term, ' '); i >= 0 {
		head, rest = term[:i], term[i:]
	}
	out := []string{term}
	for _, h := range stems(head) {
		out = append(out, h+rest)
	}
	return out
}

func stems(w string) []string {
	var out []string
	add := func(s string) {
		if len(s) >= 2 {
			out = append(out, s)
		}
	}
	switch {
	case strings.HasSuffix(w, "ies"):
		add(w[:len(w)-3] + "y")
	case strings.HasSuffix(w, "ing"):
		base := w[:len(w)-3]
		add(base)
		if undoubled, ok := undouble(base); ok {
			add(undoubled)
		}
		add(base + "e")
	case strings.HasSuffix(w, "ied"):
		add(w[:len(w)-3] + "y")
	case strings.HasSuffix(w, "ed"):
		base := w[:len(w)-2]
		add(base)
		if undoubled, ok := undouble(base); ok {
			add(undoubled)
		}
		add(w[:len(w)-1])
	case strings.HasSuffix(w, "es"):
		add(w[:len(w)-2])
		add(w[:len(w)-1])
	case strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		add(w[:len(w)-1])
	}
	return out
}

// undouble: pann → pan，dropp → drop。
func undouble(s string) (string, bool) {
	n := len(s)
	if n < 3 || s[n-1] != s[n-2] {
		return "", false
	}
	switch s[n-1] {
	case 'a', 'e', 'i', 'o', 'u', 'l', 's':
		return "", false
	}
	return s[:n-1], true
}
