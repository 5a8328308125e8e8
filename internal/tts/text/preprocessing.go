// Package text prepares prompt text for speech generation.
package text

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/tts-fulfillment/internal/core"
)

const (
	whitespaceRegexPattern = `[ \t\f\v]+`
	blankLinesRegexPattern = `\n{3,}`
)

// Punctuation and formatting constants.
const (
	emDash         = "—"
	enDash         = "–"
	figureDash     = "‒"
	ellipsis       = "..."
	ellipsisChar   = "…"
	carriageReturn = "\r\n"
	lineFeed       = "\n"
)

const transcriptLineFormat = "%s: %s"

// Static errors.
var (
	ErrTextEmpty         = errors.New("text cannot be empty")
	ErrSpeakerEmpty      = errors.New("dialogue line has no speaker")
	ErrUnassignedSpeaker = errors.New("speaker has no voice assignment")
)

// Preprocessor normalizes prompt text before it is counted and sent.
type Preprocessor struct {
	whitespacePattern *regexp.Regexp
	blankLinesPattern *regexp.Regexp
	punctuation       *strings.Replacer
}

// NewPreprocessor creates a preprocessor with compiled patterns.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		blankLinesPattern: regexp.MustCompile(blankLinesRegexPattern),
		punctuation: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize collapses runs of spaces, unifies line endings and typographic
// punctuation, and trims the result. Line breaks are kept: they separate
// dialogue turns.
func (p *Preprocessor) Normalize(text string) string {
	text = strings.ReplaceAll(text, carriageReturn, lineFeed)
	text = p.punctuation.Replace(text)
	text = p.whitespacePattern.ReplaceAllString(text, " ")

	lines := strings.Split(text, lineFeed)
	for index, line := range lines {
		lines[index] = strings.TrimSpace(line)
	}

	text = strings.Join(lines, lineFeed)
	text = p.blankLinesPattern.ReplaceAllString(text, lineFeed+lineFeed)

	return strings.TrimSpace(text)
}

// Transcript flattens dialogue lines into one "Speaker: text" per line. When
// voice has speaker assignments every line's speaker must be assigned.
func (p *Preprocessor) Transcript(lines []core.DialogueLine, voice core.VoiceSpec) (string, error) {
	assigned := make(map[string]struct{}, len(voice.Speakers))
	for _, speaker := range voice.Speakers {
		assigned[speaker.Speaker] = struct{}{}
	}

	rendered := make([]string, 0, len(lines))

	for index, line := range lines {
		speaker := strings.TrimSpace(line.Speaker)
		if speaker == "" {
			return "", fmt.Errorf("%w: line %d", ErrSpeakerEmpty, index+1)
		}

		if voice.IsMultiSpeaker() {
			if _, ok := assigned[speaker]; !ok {
				return "", fmt.Errorf("%w: %q", ErrUnassignedSpeaker, speaker)
			}
		}

		content := p.Normalize(strings.ReplaceAll(line.Text, lineFeed, " "))
		if content == "" {
			continue
		}

		rendered = append(rendered, fmt.Sprintf(transcriptLineFormat, speaker, content))
	}

	if len(rendered) == 0 {
		return "", ErrTextEmpty
	}

	return strings.Join(rendered, lineFeed), nil
}

// Prompt builds the prompt for a request: the transcript when dialogue lines
// are present, the normalized text otherwise.
func (p *Preprocessor) Prompt(req core.Request) (string, error) {
	if len(req.Lines) > 0 {
		return p.Transcript(req.Lines, req.Voice)
	}

	prompt := p.Normalize(req.Text)
	if prompt == "" {
		return "", ErrTextEmpty
	}

	return prompt, nil
}

// CharacterCount is the quota cost of a prompt: one per Unicode code point.
func CharacterCount(prompt string) int64 {
	return int64(utf8.RuneCountInString(prompt))
}
