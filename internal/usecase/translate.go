package usecase

import (
	"strings"

	"speechworker/internal/domain"
)

// transcriptUpdate is what one engine response contributes to the host.
type transcriptUpdate struct {
	finals  []string
	interim string
}

// translateResponse splits a response into finalized segments and a single
// combined interim transcript. Empty segments are dropped.
func translateResponse(response domain.RecognitionResponse) transcriptUpdate {
	var update transcriptUpdate
	var interim strings.Builder

	for _, result := range response.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		if result.IsFinal {
			if text := strings.TrimSpace(bestAlternative(result.Alternatives).Transcript); text != "" {
				update.finals = append(update.finals, text)
			}
			continue
		}
		interim.WriteString(result.Alternatives[0].Transcript)
	}

	if combined := interim.String(); strings.TrimSpace(combined) != "" {
		update.interim = combined
	}
	return update
}

// bestAlternative returns the highest-confidence alternative; ties keep the
// engine's order.
func bestAlternative(alternatives []domain.Alternative) domain.Alternative {
	best := alternatives[0]
	for _, alt := range alternatives[1:] {
		if alt.Confidence > best.Confidence {
			best = alt
		}
	}
	return best
}
