package adapter

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the text a backend produced for one call.
type Response struct {
	Content string
	Adapter string
	Model   string
	Usage   *Usage
}

// CallReport captures metadata for one target attempted by Call.
type CallReport struct {
	Adapter      string `json:"adapter"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	Retries      int    `json:"retries"`
	FallbackUsed bool   `json:"fallback_used"`
	Error        string `json:"error,omitempty"`
}

func normalizeUsage(u *Usage) Usage {
	if u == nil {
		return Usage{}
	}
	out := *u
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}
