package outer

// EstimateTokens is the built-in heuristic fallback for
// /v1/messages/count_tokens when no external count-tokens endpoint is
// configured (§4.6 "Token counting path"). Token-count estimation is
// marked out of scope in §1 as an external collaborator's concern; this is
// a minimal placeholder so the endpoint has a concrete default, grounded in
// the pack's own local-estimate fallback: ASCII text runs ~4 chars/token,
// non-ASCII runs ~1 rune/token.
func EstimateTokens(req *CountTokensRequest) int {
	var ascii, nonASCII int
	count := func(s string) {
		for _, r := range s {
			if r < 128 {
				ascii++
			} else {
				nonASCII++
			}
		}
	}

	if systemBlocks, err := (&Request{System: req.System}).ParseSystem(); err == nil {
		for _, b := range systemBlocks {
			count(b.Text)
		}
	}
	for _, m := range req.Messages {
		blocks, err := m.ParseContent()
		if err != nil {
			continue
		}
		for _, b := range blocks {
			count(b.Text)
		}
	}
	for _, t := range req.Tools {
		count(t.Name)
		count(t.Description)
		count(string(t.InputSchema))
	}

	tokens := (ascii + 3) / 4
	tokens += nonASCII
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
