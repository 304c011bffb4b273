package anthropic

// BuildCachedSystemBlocks returns text as a single system block with a
// cache breakpoint. The classifier and extractor send the same instructions
// on every call, so only the first call in each TTL pays for them.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
