package usage

// Pricing converts measured consumption into money. Audio is billed per
// minute, language-model calls per thousand input and output tokens.
type Pricing struct {
	PerAudioMinute map[string]float64
	InputPer1K     map[string]float64
	OutputPer1K    map[string]float64
}

func (p Pricing) Cost(c Call) float64 {
	cost := c.AudioSeconds / 60 * p.PerAudioMinute[c.Provider]
	cost += float64(c.InputTokens) / 1000 * p.InputPer1K[c.Provider]
	cost += float64(c.OutputTokens) / 1000 * p.OutputPer1K[c.Provider]
	return cost
}
