package orchestrator

import "voice-notes-service/internal/config"

// bytesPerSecond is the wire audio rate: 16-bit PCM mono at 16 kHz.
const bytesPerSecond = 32000

// Estimator converts stage inputs into balance units. Estimates feed
// Reserve; actuals feed Commit and may differ (provider-reported duration
// or token counts).
type Estimator struct {
	costs config.CostConfig
}

// NewEstimator creates an estimator with the configured rates.
func NewEstimator(costs config.CostConfig) Estimator {
	return Estimator{costs: costs}
}

// TranscribeEstimate prices a batch transcription by audio length,
// rounded up to whole minutes with a one-minute floor.
func (e Estimator) TranscribeEstimate(audioBytes int) int64 {
	seconds := float64(audioBytes) / bytesPerSecond
	return e.transcribeFor(seconds)
}

// TranscribeActual prices a finished transcription by the provider's
// reported duration, falling back to the byte estimate when the provider
// reports none.
func (e Estimator) TranscribeActual(audioSeconds float64, audioBytes int) int64 {
	if audioSeconds <= 0 {
		return e.TranscribeEstimate(audioBytes)
	}
	return e.transcribeFor(audioSeconds)
}

// TranscribeSeconds prices a streaming session by its audio duration.
func (e Estimator) TranscribeSeconds(audioSeconds float64) int64 {
	return e.transcribeFor(audioSeconds)
}

func (e Estimator) transcribeFor(seconds float64) int64 {
	minutes := int64(seconds / 60)
	if float64(minutes*60) < seconds {
		minutes++
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes * e.costs.TranscribePerMinute
}

// ExtractEstimate prices extraction by transcript length in kilochars,
// rounded up with a floor of one.
func (e Estimator) ExtractEstimate(transcript string) int64 {
	return perKilo(len(transcript)) * e.costs.ExtractPerKiloChar
}

// ExtractActual prices a finished extraction by provider-reported tokens
// when available, otherwise by transcript length.
func (e Estimator) ExtractActual(transcript string, tokensUsed int) int64 {
	if tokensUsed > 0 {
		return perKilo(tokensUsed) * e.costs.ExtractPerKiloChar
	}
	return e.ExtractEstimate(transcript)
}

// EmbedCost is the flat per-note embedding price.
func (e Estimator) EmbedCost() int64 {
	return e.costs.EmbedFlat
}

func perKilo(units int) int64 {
	kilos := int64(units) / 1000
	if int64(units)%1000 != 0 || kilos == 0 {
		kilos++
	}
	return kilos
}
