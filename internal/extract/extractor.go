package extract

// Extractor turns a fetched page body into PageContent.
type Extractor interface {
    Extract(pageURL string, input []byte) PageContent
}

// HeuristicExtractor is the default Extractor, backed by FromHTML.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(pageURL string, input []byte) PageContent {
    return FromHTML(pageURL, input)
}
