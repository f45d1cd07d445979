package text

import "unicode"

// Latin letters that render identically to a Cyrillic counterpart.
var latinToCyrillic = map[rune]rune{
	'a': 'а', 'c': 'с', 'e': 'е', 'o': 'о', 'p': 'р', 'x': 'х', 'y': 'у',
	'k': 'к', 'm': 'м', 'h': 'н', 't': 'т', 'b': 'в',
	'A': 'А', 'C': 'С', 'E': 'Е', 'O': 'О', 'P': 'Р', 'X': 'Х', 'Y': 'У',
	'K': 'К', 'M': 'М', 'H': 'Н', 'T': 'Т', 'B': 'В',
}

// HasCyrillics reports whether the string contains any Cyrillic characters.
func HasCyrillics(content string) bool {
	for _, r := range content {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

func hasLatin(content string) bool {
	for _, r := range content {
		if unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}

// FoldHomoglyphs rewrites Latin look-alikes to Cyrillic inside a word that mixes
// both scripts. Single-script words are returned unchanged.
func FoldHomoglyphs(word string) string {
	if !HasCyrillics(word) || !hasLatin(word) {
		return word
	}
	out := []rune(word)
	for i, r := range out {
		if c, ok := latinToCyrillic[r]; ok {
			out[i] = c
		}
	}
	return string(out)
}
