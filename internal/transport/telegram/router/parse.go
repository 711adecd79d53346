package router

import (
	"strings"
	"unicode"
)

// splitCommand parses "/name@bot arg1 arg2" into the lower-cased command
// word, the @-addressed bot (if any) and the arguments. ok is false for
// anything that is not a command.
func splitCommand(text string) (word, bot string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", nil, false
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return "", "", nil, false
	}
	word = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, bot = word[:i], word[i+1:]
	}
	if word == "" {
		return "", "", nil, false
	}
	return strings.ToLower(word), bot, parts[1:], true
}

// tokenize splits on whitespace, honoring double or single quotes.
func tokenize(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		any   bool
	)
	flush := func() {
		if any {
			out = append(out, cur.String())
		}
		cur.Reset()
		any = false
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			any = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			any = true
		}
	}
	flush()
	return out
}

// sanitizeCommand converts a name into a Telegram-safe command
// ([a-z0-9_]{1,32}, starting with a letter).
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
