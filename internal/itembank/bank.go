// Package itembank holds the read-only set of calibrated items used during test-taking.
package itembank

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/ashureev/cat-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// Bank is an immutable, indexed snapshot of calibrated items. It is safe for
// concurrent reads from any number of sessions without locking.
type Bank struct {
	items   []domain.Item
	byID    map[string]int
	domains []string
}

// New validates items and builds a bank. Duplicate ids and malformed
// calibrations are rejected.
func New(items []domain.Item) (*Bank, error) {
	b := &Bank{
		items: make([]domain.Item, 0, len(items)),
		byID:  make(map[string]int, len(items)),
	}
	seenDomain := make(map[string]struct{})
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
		if _, dup := b.byID[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", it.ID)
		}
		b.byID[it.ID] = len(b.items)
		b.items = append(b.items, it)
		if _, ok := seenDomain[it.Domain]; !ok && it.Domain != "" {
			seenDomain[it.Domain] = struct{}{}
			b.domains = append(b.domains, it.Domain)
		}
	}
	sort.Strings(b.domains)
	return b, nil
}

// Len returns the number of items in the bank.
func (b *Bank) Len() int { return len(b.items) }

// Item looks up an item by id.
func (b *Bank) Item(id string) (domain.Item, bool) {
	i, ok := b.byID[id]
	if !ok {
		return domain.Item{}, false
	}
	return b.items[i], true
}

// Items returns a copy of the bank's items, optionally restricted to the given domains.
func (b *Bank) Items(domains ...string) []domain.Item {
	if len(domains) == 0 {
		return append([]domain.Item(nil), b.items...)
	}
	want := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		want[d] = struct{}{}
	}
	var out []domain.Item
	for _, it := range b.items {
		if _, ok := want[it.Domain]; ok {
			out = append(out, it)
		}
	}
	return out
}

// Domains returns the sorted domain taxonomy present in the bank.
func (b *Bank) Domains() []string {
	return append([]string(nil), b.domains...)
}

// LowReliabilityCount returns how many items have no calibration sample.
func (b *Bank) LowReliabilityCount() int {
	n := 0
	for _, it := range b.items {
		if it.LowReliability() {
			n++
		}
	}
	return n
}

// LogSummary writes the bank composition to logger.
func (b *Bank) LogSummary(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Item bank loaded", "items", b.Len(), "domains", len(b.domains))
	if n := b.LowReliabilityCount(); n > 0 {
		logger.Warn("Item bank contains low-reliability items", "count", n)
	}
}

// seedFile is the on-disk YAML layout of calibrated items.
type seedFile struct {
	Items []domain.Item `yaml:"items"`
}

// ParseYAML decodes calibrated items from r.
func ParseYAML(r io.Reader) ([]domain.Item, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode item bank: %w", err)
	}
	for _, it := range f.Items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Items, nil
}

// LoadYAML reads calibrated items from the YAML file at path.
func LoadYAML(path string) ([]domain.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open item bank: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseYAML(f)
}
