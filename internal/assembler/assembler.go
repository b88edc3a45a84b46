// Package assembler builds the bounded prompt handed to the responder:
// persona preamble, catalog facts and recent conversation history.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/catalog"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/metrics"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

const (
	DefaultHistoryLimit = 20
	DefaultMaxBooks     = 3
	DefaultBudgetChars  = 12000
)

// DefaultPersona is the system preamble used when none is configured.
const DefaultPersona = `You are Page, the friendly bookseller at an independent bookshop, chatting with customers over text message and Discord.
Keep replies short and warm: two or three sentences, plain text, no markdown tables.
Recommend real books only. When catalog results are provided, prefer them and include their links.
If you do not know, say so and offer to help find something else.`

// Searcher is the catalog collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]catalog.Book, error)
}

// History loads recent messages, oldest first.
type History interface {
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error)
}

// Config bounds the assembled prompt.
type Config struct {
	HistoryLimit int
	MaxBooks     int
	BudgetChars  int
	Persona      string
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MaxBooks <= 0 {
		c.MaxBooks = DefaultMaxBooks
	}
	if c.BudgetChars <= 0 {
		c.BudgetChars = DefaultBudgetChars
	}
	if strings.TrimSpace(c.Persona) == "" {
		c.Persona = DefaultPersona
	}
	return c
}

// Prompt is the assembled context.
type Prompt struct {
	System   string
	Messages []providers.Message // oldest first; the last one is the current inbound
	Books    []catalog.Book
	Lookup   Classification
	Dropped  int // history messages removed to fit the budget
}

// Size is the prompt's character count as measured against the budget.
func (p Prompt) Size() int {
	n := len(p.System)
	for _, m := range p.Messages {
		n += len(m.Content)
	}
	return n
}

// Assembler builds prompts.
type Assembler struct {
	history History
	catalog Searcher
	cfg     Config
}

// New creates an Assembler. catalog may be nil to disable enrichment.
func New(history History, catalog Searcher, cfg Config) *Assembler {
	return &Assembler{history: history, catalog: catalog, cfg: cfg.withDefaults()}
}

// Assemble builds the prompt for the conversation whose latest inbound
// message is inbound. Catalog and history read failures degrade the
// prompt; they never fail it.
func (a *Assembler) Assemble(ctx context.Context, conversationID uuid.UUID, inbound string) Prompt {
	log := logging.FromContext(ctx)

	msgs, err := a.history.RecentMessages(ctx, conversationID, a.cfg.HistoryLimit)
	if err != nil {
		log.Warn("history load failed, continuing with current message only", "conversation_id", conversationID, "error", err)
		msgs = nil
	}
	transcript := toTranscript(msgs)
	if n := len(transcript); n == 0 || transcript[n-1].Role != "user" {
		transcript = append(transcript, providers.Message{Role: "user", Content: inbound})
	}

	p := Prompt{Lookup: Classify(inbound)}
	if p.Lookup.Kind == Lookup && a.catalog != nil {
		books, err := a.catalog.Search(ctx, p.Lookup.Query, a.cfg.MaxBooks)
		switch {
		case err != nil:
			metrics.CatalogLookups.WithLabelValues("error").Inc()
			log.Warn("catalog lookup failed, continuing without enrichment",
				"query", p.Lookup.Query, "error", err, "kind", apperr.KindOf(err))
		case len(books) == 0:
			metrics.CatalogLookups.WithLabelValues("empty").Inc()
		default:
			metrics.CatalogLookups.WithLabelValues("hit").Inc()
			if len(books) > a.cfg.MaxBooks {
				books = books[:a.cfg.MaxBooks]
			}
			p.Books = books
		}
	}

	p.System = a.cfg.Persona
	if facts := FormatBooks(p.Lookup.Query, p.Books); facts != "" {
		p.System += "\n\n" + facts
	}
	p.Messages, p.Dropped = fitBudget(p.System, transcript, a.cfg.BudgetChars)
	return p
}

// toTranscript maps stored messages onto chat roles, merging consecutive
// messages of the same role.
func toTranscript(msgs []store.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Direction == store.DirectionOutbound {
			role = "assistant"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + m.Body
			continue
		}
		out = append(out, providers.Message{Role: role, Content: m.Body})
	}
	return out
}

// fitBudget drops the oldest messages until system plus transcript fits in
// budget characters. The final message is always kept, and the result
// always starts with a user turn.
func fitBudget(system string, msgs []providers.Message, budget int) ([]providers.Message, int) {
	total := len(system)
	for _, m := range msgs {
		total += len(m.Content)
	}

	start := 0
	for total > budget && start < len(msgs)-1 {
		total -= len(msgs[start].Content)
		start++
	}
	for start < len(msgs)-1 && msgs[start].Role != "user" {
		start++
	}
	return msgs[start:], start
}

// FormatBooks renders catalog results as facts for the system prompt.
func FormatBooks(query string, books []catalog.Book) string {
	if len(books) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Catalog results for %q:\n", query)
	for i, b := range books {
		fmt.Fprintf(&sb, "%d. %s", i+1, b.Title)
		if b.Author != "" {
			fmt.Fprintf(&sb, " by %s", b.Author)
		}
		if b.Year > 0 {
			fmt.Fprintf(&sb, " (%d)", b.Year)
		}
		if b.Rating > 0 {
			fmt.Fprintf(&sb, ", rated %.1f", b.Rating)
		}
		if b.BuyURL != "" {
			fmt.Fprintf(&sb, ", link: %s", b.BuyURL)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
