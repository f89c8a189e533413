package service_test

import "strings"

func replaceOnce(s, old, replacement string) string {
	if !strings.Contains(s, old) {
		panic("fixture does not contain " + old)
	}
	return strings.Replace(s, old, replacement, 1)
}
