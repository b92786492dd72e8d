package bot

import "strings"

// markdownEscaper escapes the characters that chat platforms reject in
// partially streamed markdown. Asterisk, underscore and backtick are left
// alone so intentional formatting survives.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	`>`, `\>`,
	`<`, `\<`,
	`&`, `\&`,
	`#`, `\#`,
	`+`, `\+`,
	`-`, `\-`,
	`=`, `\=`,
	`|`, `\|`,
	`{`, `\{`,
	`}`, `\}`,
	`.`, `\.`,
	`!`, `\!`,
)

// escapeMarkdown escapes markdown control characters in text.
func escapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}

// fragmentEscaper returns the per-fragment escaping function for a parse
// mode, or nil when the mode needs none.
func fragmentEscaper(parseMode string) func(string) string {
	if parseMode == "markdown" {
		return escapeMarkdown
	}
	return nil
}

// chunkMessage splits text into chunks of at most maxLen characters for
// platform message-length limits. It prefers breaking at newlines.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 2000
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Look for a newline in the second half of the chunk to break at.
		chunk := text[:maxLen]
		breakAt := -1
		half := maxLen / 2
		for i := maxLen - 1; i >= half; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
