package bridge

import "unicode"

// detectLanguage guesses the caller language from the script of a transcript
// when the transcription service does not report one.
func detectLanguage(text string) string {
	latin := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Devanagari, r):
			return "hi"
		case unicode.Is(unicode.Bengali, r):
			return "bn"
		case unicode.Is(unicode.Tamil, r):
			return "ta"
		case unicode.Is(unicode.Telugu, r):
			return "te"
		case unicode.Is(unicode.Latin, r):
			latin = true
		}
	}
	if latin {
		return "en"
	}
	return ""
}
