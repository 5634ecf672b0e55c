package marker

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppbot/internal/ai"
	"go.uber.org/zap"
)

// Searcher runs a web search. An empty result means nothing was found.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Request is the completion that produced the reply being processed.
type Request struct {
	Messages []ai.Message
	Options  ai.Options
}

// Outcome is what the pipeline should deliver.
type Outcome struct {
	Text     string
	File     *FileRequest
	Query    string // set when a search ran
	Searched bool
}

// Protocol applies the reply markers once per message.
type Protocol struct {
	completer     ai.Completer
	searcher      Searcher
	searchTimeout time.Duration
	logger        *zap.Logger
}

// NewProtocol creates a marker processor. searcher may be nil, in which case
// search markers are answered without results.
func NewProtocol(completer ai.Completer, searcher Searcher, searchTimeout time.Duration, logger *zap.Logger) *Protocol {
	if searchTimeout <= 0 {
		searchTimeout = 30 * time.Second
	}
	return &Protocol{
		completer:     completer,
		searcher:      searcher,
		searchTimeout: searchTimeout,
		logger:        logger,
	}
}

// Apply inspects reply. A search marker triggers one search and one
// follow-up completion whose text is final. A file marker splits the reply
// into lead-in text and a file. Anything else is returned unchanged.
func (p *Protocol) Apply(ctx context.Context, req Request, reply string) (*Outcome, error) {
	if query, _, ok := ParseSearch(reply); ok {
		return p.followUp(ctx, req, query)
	}
	if fr, ok := ParseFile(reply); ok {
		return &Outcome{Text: fr.PreText, File: &fr}, nil
	}
	return &Outcome{Text: reply}, nil
}

func (p *Protocol) followUp(ctx context.Context, req Request, query string) (*Outcome, error) {
	results := p.search(ctx, query)

	msgs := make([]ai.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: followUpPrompt(query, results)})

	opts := req.Options
	opts.Phase = "followup"
	text, err := p.completer.Complete(ctx, msgs, opts)
	if err != nil {
		return nil, fmt.Errorf("follow-up completion: %w", err)
	}
	return &Outcome{Text: text, Query: query, Searched: true}, nil
}

func (p *Protocol) search(ctx context.Context, query string) string {
	if p.searcher == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()
	results, err := p.searcher.Search(sctx, query)
	if err != nil {
		p.logger.Warn("search failed, answering without results", zap.String("query", query), zap.Error(err))
		return ""
	}
	return results
}

func followUpPrompt(query, results string) string {
	if results == "" {
		return fmt.Sprintf("A web search for %q returned no usable results. "+
			"Answer the previous message with what you already know and say that current information could not be found. "+
			"Do not emit [WEBSEARCH:...] again.", query)
	}
	return fmt.Sprintf("Web search results for %q:\n\n%s\n\n"+
		"Answer the previous message using these results and cite sources where useful. "+
		"Do not emit [WEBSEARCH:...] again.", query, results)
}
