package rabbit

import "strings"

// MatchTopic reports whether routing key key matches the topic binding
// pattern. Words are separated by '.', '*' matches exactly one word and
// '#' matches zero or more words, as on a topic exchange.
func MatchTopic(pattern, key string) bool {
	if pattern == key {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
