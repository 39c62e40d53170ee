package llm

// EstimateTokens approximates the token count of a text as len/4.
// Good enough for threshold decisions; exact counts would need the
// provider's tokenizer.
func EstimateTokens(text string) int {
	return len(text) / 4
}
