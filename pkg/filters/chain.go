package filters

import (
	"strings"
	"time"

	"github.com/pulsewire/platform/pkg/common/models"
)

// Predicate decides whether a record is kept. Predicates are pure and
// order-independent for correctness; the chain evaluates them in a fixed
// order for short-circuit efficiency.
type Predicate struct {
	Name string
	Keep func(models.Record) bool
}

// Chain applies the configured predicates with logical AND semantics.
// Blocklists reject on match.
type Chain struct {
	predicates []Predicate
}

func NewChain(cfg Config) *Chain {
	sources := lowerSet(cfg.SourceBlocklist)
	domains := lowerSet(cfg.DomainBlocklist)
	oldest := cfg.OldestAllowed

	return &Chain{predicates: []Predicate{
		{
			Name: "source_label",
			Keep: func(r models.Record) bool {
				_, blocked := sources[strings.ToLower(r.SourceLabel)]
				return !blocked
			},
		},
		{
			Name: "context_domain",
			Keep: func(r models.Record) bool {
				for _, d := range r.ContextDomains {
					if _, blocked := domains[strings.ToLower(d)]; blocked {
						return false
					}
				}
				return true
			},
		},
		{
			Name: "language",
			Keep: func(r models.Record) bool {
				return r.Lang != "" && r.Lang != models.LangUndetermined
			},
		},
		{
			Name: "age_window",
			Keep: func(r models.Record) bool {
				return ageWindowKeep(r.CreatedAt, oldest)
			},
		},
	}}
}

// Keep returns true if every predicate passes. On rejection it also returns
// the name of the first failing predicate for metrics and logging.
func (c *Chain) Keep(r models.Record) (bool, string) {
	for _, p := range c.predicates {
		if !p.Keep(r) {
			return false, p.Name
		}
	}
	return true, ""
}

// KeepWithAge re-applies the chain plus an explicit age re-check against a
// separate floor, used for included entities whose own creation time may
// predate the primary record's window.
func (c *Chain) KeepWithAge(r models.Record, oldest time.Time) (bool, string) {
	if keep, name := c.Keep(r); !keep {
		return false, name
	}
	if !ageWindowKeep(r.CreatedAt, oldest) {
		return false, "age_window"
	}
	return true, ""
}

func ageWindowKeep(createdAt, oldest time.Time) bool {
	return !createdAt.Before(oldest)
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
