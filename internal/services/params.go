package services

// LLMParameters are the optional sampling parameters passed through to a provider. A nil field
// leaves the provider default in place, and a provider ignores the fields it has no notion of.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	MaxTokens        *int     `yaml:"maxTokens"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
}

// ollamaOptions maps the parameters onto Ollama's model options.
func (p LLMParameters) ollamaOptions() map[string]any {
	opts := make(map[string]any)
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if p.PresencePenalty != nil {
		opts["presence_penalty"] = *p.PresencePenalty
	}
	if p.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *p.FrequencyPenalty
	}
	if p.Seed != nil {
		opts["seed"] = *p.Seed
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
