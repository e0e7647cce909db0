package embeddings

const (
	defaultBaseBatch = 100
	minBatchSize     = 10
	maxBatchSize     = 200

	// Mean-length thresholds for adapting the batch size: many short texts
	// fit comfortably in one request, long texts do not.
	shortTextChars = 500
	longTextChars  = 2000
)

// effectiveBatchSize adapts the configured base batch size to the shape of
// the input and the current rate budget. Short inputs double the base, long
// inputs halve it, and a nearly exhausted rate window halves it again so the
// remaining budget stretches further. The result always lands in
// [minBatchSize, maxBatchSize].
func (c *Client) effectiveBatchSize(texts []string) int {
	size := c.cfg.BaseBatch
	if size <= 0 {
		size = defaultBaseBatch
	}

	if len(texts) > 0 {
		total := 0
		for _, t := range texts {
			total += len(t)
		}
		mean := total / len(texts)
		switch {
		case mean < shortTextChars:
			size *= 2
		case mean > longTextChars:
			size /= 2
		}
	}

	if c.window.nearLimit() {
		size /= 2
	}

	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}

// span is a half-open [start, end) range into the input slice.
type span struct {
	start, end int
}

func splitSpans(n, size int) []span {
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}
