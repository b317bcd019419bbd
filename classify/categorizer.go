package classify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/helpcomp/ynab-splitwise-importer/reconcile"
	"github.com/helpcomp/ynab-splitwise-importer/store"
	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

// Cache effectiveness counters, read by the prometheus exporter.
var (
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
)

// InvalidCategoryError is returned when the classifier suggests a category
// that is not a member of the candidate set. It downgrades one line to
// needs-review; it never aborts the batch.
type InvalidCategoryError struct {
	CategoryID  string
	Description string
}

func (e *InvalidCategoryError) Error() string {
	return fmt.Sprintf("classifier returned category %q for %q which is not in the candidate set", e.CategoryID, e.Description)
}

// Gateway is the single external classification call.
type Gateway interface {
	Classify(ctx context.Context, description string, categories []ynab.Category) (Suggestion, error)
}

// MappingStore is the durable signature-to-category cache.
type MappingStore interface {
	LookupMapping(ctx context.Context, signature string) (*store.Mapping, error)
	SaveMapping(ctx context.Context, m store.Mapping) error
}

// Options tune the categorization pass.
type Options struct {
	// ConfidenceThreshold is the minimum confidence below which a line is
	// flagged for review.
	ConfidenceThreshold float64

	// Workers bounds the classification fan-out, to respect rate limits.
	Workers int

	// Timeout applies per classifier call. A timed-out call surfaces as a
	// needs-review line, not a batch failure.
	Timeout time.Duration

	// SignaturePrefix truncates normalized signatures to this many runes.
	// Zero means no truncation.
	SignaturePrefix int

	// Rules maps description substrings to category names or ids. Matches
	// are cached with source rule and skip the classifier.
	Rules map[string]string
}

func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.7,
		Workers:             4,
		Timeout:             30 * time.Second,
	}
}

// Categorizer resolves allocation lines to categories: cache first, then
// config rules, then concurrent classifier calls for the remaining misses.
type Categorizer struct {
	store   MappingStore
	gateway Gateway
	opts    Options
}

// New builds a Categorizer around an explicit store and gateway. A nil
// gateway disables classification; cache and rule misses surface as
// needs-review lines.
func New(st MappingStore, gw Gateway, opts Options) *Categorizer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Categorizer{store: st, gateway: gw, opts: opts}
}

// Signature normalizes an expense description into the cache key: lowered,
// whitespace-collapsed, optionally truncated to a fixed prefix length.
func Signature(description string, prefix int) string {
	sig := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	if prefix > 0 {
		if runes := []rune(sig); len(runes) > prefix {
			sig = string(runes[:prefix])
		}
	}
	return sig
}

// Categorize returns a fresh categorized copy of lines, preserving input
// order. Per-line classification failures (timeout, invalid category) are
// isolated into needs-review flags; only store failures abort the batch.
func (c *Categorizer) Categorize(ctx context.Context, lines []reconcile.AllocationLine, categories []ynab.Category) ([]reconcile.AllocationLine, error) {
	out := make([]reconcile.AllocationLine, len(lines))
	copy(out, lines)

	// Lookup phase runs on the orchestrating goroutine only; no reads race
	// with the fan-out writes below.
	var misses []int
	for i := range out {
		sig := Signature(out[i].Description, c.opts.SignaturePrefix)

		m, err := c.store.LookupMapping(ctx, sig)
		if err != nil {
			return nil, fmt.Errorf("cache lookup for %q: %w", out[i].Description, err)
		}
		if m != nil {
			CacheHits.Add(1)
			c.assign(&out[i], m.CategoryID, m.Confidence, categories)
			continue
		}
		CacheMisses.Add(1)

		if mapped, ok := c.matchRule(out[i].Description); ok {
			cat, found := ynab.FindCategory(mapped, categories)
			if !found {
				log.Warn().Str("Rule", mapped).Str("Description", out[i].Description).Msg("Category rule references an unknown category")
			} else {
				if err := c.store.SaveMapping(ctx, store.Mapping{
					Signature:  sig,
					CategoryID: cat.ID,
					Source:     store.SourceRule,
					Confidence: 1,
				}); err != nil {
					return nil, fmt.Errorf("save rule mapping: %w", err)
				}
				c.assign(&out[i], cat.ID, 1, categories)
				continue
			}
		}

		misses = append(misses, i)
	}

	if len(misses) > 0 && c.gateway == nil {
		log.Info().Int("Lines", len(misses)).Msg("No classifier configured, flagging uncached lines for review")
		for _, i := range misses {
			c.flagForReview(&out[i])
		}
		misses = nil
	}

	// Bounded fan-out for the remaining misses. Results land in per-index
	// slots so completion order never disturbs output order; the cache is
	// the only shared state workers touch, and its writes are serialized.
	results := make([]Suggestion, len(out))
	failures := make([]error, len(out))
	g := new(errgroup.Group)
	g.SetLimit(c.opts.Workers)
	for _, i := range misses {
		i := i
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			sug, err := c.gateway.Classify(cctx, out[i].Description, categories)
			if err != nil {
				failures[i] = err
				return nil
			}

			cat, ok := ynab.FindCategory(sug.CategoryID, categories)
			if !ok {
				failures[i] = &InvalidCategoryError{CategoryID: sug.CategoryID, Description: out[i].Description}
				return nil
			}
			sug.CategoryID = cat.ID
			results[i] = sug

			// Write back immediately so partial progress survives an
			// interrupted run as cache hits.
			if err := c.store.SaveMapping(ctx, store.Mapping{
				Signature:  Signature(out[i].Description, c.opts.SignaturePrefix),
				CategoryID: cat.ID,
				Source:     store.SourceLearned,
				Confidence: sug.Confidence,
			}); err != nil {
				log.Warn().Err(err).Str("Description", out[i].Description).Msg("Could not cache learned mapping")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range misses {
		if failures[i] != nil {
			log.Warn().Err(failures[i]).Str("Description", out[i].Description).Msg("Classification failed, flagging line for review")
			c.flagForReview(&out[i])
			continue
		}
		c.assign(&out[i], results[i].CategoryID, results[i].Confidence, categories)
	}

	return out, nil
}

// Override records a manual category for the line's signature and returns
// the updated line. This is the only path that writes a manual mapping.
func (c *Categorizer) Override(ctx context.Context, line reconcile.AllocationLine, categoryID string, categories []ynab.Category) (reconcile.AllocationLine, error) {
	cat, ok := ynab.FindCategory(categoryID, categories)
	if !ok {
		return line, &InvalidCategoryError{CategoryID: categoryID, Description: line.Description}
	}

	if err := c.store.SaveMapping(ctx, store.Mapping{
		Signature:  Signature(line.Description, c.opts.SignaturePrefix),
		CategoryID: cat.ID,
		Source:     store.SourceManual,
		Confidence: 1,
	}); err != nil {
		return line, fmt.Errorf("save manual mapping: %w", err)
	}

	line.CategoryID = cat.ID
	line.CategoryName = cat.DisplayName()
	line.Confidence = 1
	line.NeedsReview = false
	return line, nil
}

func (c *Categorizer) matchRule(description string) (string, bool) {
	for key, category := range c.opts.Rules {
		if strings.Contains(description, key) {
			return category, true
		}
	}
	return "", false
}

func (c *Categorizer) assign(line *reconcile.AllocationLine, categoryID string, confidence float64, categories []ynab.Category) {
	line.CategoryID = categoryID
	line.Confidence = confidence
	if cat, ok := ynab.FindCategory(categoryID, categories); ok {
		line.CategoryName = cat.DisplayName()
	}
	// Below-threshold lines keep their best-guess category so the caller
	// can display and override it.
	line.NeedsReview = confidence < c.opts.ConfidenceThreshold
}

func (c *Categorizer) flagForReview(line *reconcile.AllocationLine) {
	line.Confidence = 0
	line.NeedsReview = true
}
