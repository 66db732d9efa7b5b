package memory

// EstimateTokens approximates the token cost of a text without a model
// tokenizer. Narrow runes average out to roughly four per token; CJK and
// other wide runes are closer to one token each. The estimate only needs
// to be stable and monotonic for budget accounting.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	narrow, wide := 0, 0
	for _, r := range text {
		if r >= 0x2E80 {
			wide++
		} else {
			narrow++
		}
	}
	tokens := wide + (narrow+3)/4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
