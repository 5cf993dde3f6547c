package extraction

import (
	"context"
	"strings"
	"unicode"

	"voice-notes-service/internal/models"
)

// Mock implements Extractor deterministically for tests and local
// development: the summary is the first sentence, capitalized words become
// entities, and sentences starting with an action cue become tasks.
type Mock struct{}

// NewMock creates a mock extractor.
func NewMock() *Mock {
	return &Mock{}
}

var actionCues = []string{"remember to ", "todo ", "need to ", "don't forget to "}

// Extract derives a structured payload from the transcript text.
func (m *Mock) Extract(ctx context.Context, transcript string) (*Result, error) {
	sentences := splitSentences(transcript)

	summary := transcript
	if len(sentences) > 0 {
		summary = sentences[0]
	}
	if strings.TrimSpace(summary) == "" {
		summary = "(empty note)"
	}

	ex := models.Extraction{Summary: summary}

	seen := map[string]bool{}
	for _, word := range strings.Fields(transcript) {
		trimmed := strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) })
		if len(trimmed) < 2 || !unicode.IsUpper(rune(trimmed[0])) || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		ex.Entities = append(ex.Entities, models.Entity{Name: trimmed, Kind: "other"})
	}

	for _, sentence := range sentences {
		lower := strings.ToLower(strings.TrimSpace(sentence))
		for _, cue := range actionCues {
			if strings.HasPrefix(lower, cue) {
				ex.Tasks = append(ex.Tasks, models.CandidateTask{
					Title: strings.TrimSpace(sentence),
				})
				break
			}
		}
	}

	return &Result{
		Extraction: ex,
		TokensUsed: len(strings.Fields(transcript)),
	}, nil
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
