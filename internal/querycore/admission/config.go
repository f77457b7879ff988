package admission

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// queueConfig is the JSON shape of one entry in the "queues" array of a
// queue-config-file (spec.md §6 "query.queue-config-file").
type queueConfig struct {
	Name          string `json:"name"`
	MaxQueued     int    `json:"max_queued"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// ruleConfig is the JSON shape of one entry in the "rules" array. Rules are
// matched in file order; the first match wins (Manager.route).
type ruleConfig struct {
	UserPattern      string            `json:"user_pattern,omitempty"`
	SourcePattern    string            `json:"source_pattern,omitempty"`
	PropertyPatterns map[string]string `json:"property_patterns,omitempty"`
	Queues           []string          `json:"queues"`
}

type fileConfig struct {
	Queues []queueConfig `json:"queues"`
	Rules  []ruleConfig  `json:"rules"`
}

// LoadConfigFile reads and parses a queue-config-file at path, building the
// named QueueDefinitions and the ordered Rule list that references them.
// A malformed file or a rule naming an undefined queue fails fast (per
// spec.md §4.1), since the coordinator has nothing sensible to route
// unrouted traffic to.
func LoadConfigFile(path string) ([]*Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("admission: open queue config %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("admission: parse queue config %s: %w", path, err)
	}
	return buildRules(cfg)
}

func buildRules(cfg fileConfig) ([]*Rule, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("admission: queue config defines no queues")
	}

	queues := make(map[string]*QueueDefinition, len(cfg.Queues))
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("admission: queue config has an entry with no name")
		}
		if _, dup := queues[q.Name]; dup {
			return nil, fmt.Errorf("admission: duplicate queue name %q", q.Name)
		}
		queues[q.Name] = NewQueueDefinition(q.Name, q.MaxQueued, q.MaxConcurrent)
	}

	rules := make([]*Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		if len(rc.Queues) == 0 {
			return nil, fmt.Errorf("admission: rule %d names no queues", i)
		}
		chain := make([]*QueueDefinition, 0, len(rc.Queues))
		for _, name := range rc.Queues {
			q, ok := queues[name]
			if !ok {
				return nil, fmt.Errorf("admission: rule %d references undefined queue %q", i, name)
			}
			chain = append(chain, q)
		}

		r := &Rule{Queues: chain}
		if rc.UserPattern != "" {
			pat, err := regexp.Compile(rc.UserPattern)
			if err != nil {
				return nil, fmt.Errorf("admission: rule %d user_pattern: %w", i, err)
			}
			r.UserPattern = pat
		}
		if rc.SourcePattern != "" {
			pat, err := regexp.Compile(rc.SourcePattern)
			if err != nil {
				return nil, fmt.Errorf("admission: rule %d source_pattern: %w", i, err)
			}
			r.SourcePattern = pat
		}
		if len(rc.PropertyPatterns) > 0 {
			r.PropertyPatterns = make(map[string]*regexp.Regexp, len(rc.PropertyPatterns))
			for name, raw := range rc.PropertyPatterns {
				pat, err := regexp.Compile(raw)
				if err != nil {
					return nil, fmt.Errorf("admission: rule %d property_patterns[%s]: %w", i, name, err)
				}
				r.PropertyPatterns[name] = pat
			}
		}
		rules = append(rules, r)
	}

	return rules, nil
}

// DefaultRules builds a single catch-all rule routing every query to one
// "default" queue, used when no queue-config-file is configured.
func DefaultRules(maxQueued, maxConcurrent int) []*Rule {
	q := NewQueueDefinition("default", maxQueued, maxConcurrent)
	return []*Rule{{Queues: []*QueueDefinition{q}}}
}
