// Package portfolio supplies the target positions for a rebalance run.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrStaleTargets is returned when a target file is older than allowed.
var ErrStaleTargets = errors.New("target positions are stale")

// TargetSource produces the signed target quantity per symbol.
type TargetSource interface {
	Targets(ctx context.Context) (types.Positions, error)
}

// Static is a fixed target map.
type Static types.Positions

// Targets returns a copy of the map.
func (s Static) Targets(context.Context) (types.Positions, error) {
	return types.Positions(s).Clone(), nil
}

// targetFile is the on-disk target format.
//
//	as_of: 2024-06-03
//	positions:
//	  AAPL: 100
//	  MSFT: -20
type targetFile struct {
	AsOf      string              `yaml:"as_of,omitempty"`
	Positions map[string]quantity `yaml:"positions"`
}

type quantity decimal.Decimal

func (q *quantity) UnmarshalYAML(n *yaml.Node) error {
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: quantity %q: %w", n.Line, n.Value, err)
	}
	*q = quantity(d)
	return nil
}

func (q quantity) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: decimal.Decimal(q).String()}
	if !decimal.Decimal(q).IsInteger() {
		node.Tag = "!!float"
	}
	return node, nil
}

// FileSource reads targets from a YAML file written by the portfolio layer.
type FileSource struct {
	path   string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewFileSource creates a file source. A positive maxAge rejects files whose
// as_of date is older than maxAge.
func NewFileSource(path string, maxAge time.Duration, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:   path,
		maxAge: maxAge,
		logger: logger.With("component", "targets"),
		now:    time.Now,
	}
}

// Targets loads and validates the target file.
func (f *FileSource) Targets(ctx context.Context) (types.Positions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}

	var file targetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", types.ErrInvalidTarget, f.path, err)
	}

	if file.AsOf != "" {
		asOf, err := time.Parse(time.DateOnly, file.AsOf)
		if err != nil {
			return nil, fmt.Errorf("%w: as_of %q: %w", types.ErrInvalidTarget, file.AsOf, err)
		}
		if f.maxAge > 0 && f.now().Sub(asOf) > f.maxAge {
			return nil, fmt.Errorf("%w: as_of %s", ErrStaleTargets, file.AsOf)
		}
	}

	targets, err := normalize(file.Positions)
	if err != nil {
		return nil, err
	}

	f.logger.Info("targets loaded", "path", f.path, "as_of", file.AsOf, "symbols", len(targets))
	return targets, nil
}

func normalize(in map[string]quantity) (types.Positions, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no positions", types.ErrInvalidTarget)
	}

	out := make(types.Positions, len(in))
	var errs []error
	for raw, q := range in {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		switch {
		case symbol == "" || strings.ContainsAny(symbol, " \t"):
			errs = append(errs, fmt.Errorf("%w: %q", types.ErrInvalidSymbol, raw))
			continue
		case hasKey(out, symbol):
			errs = append(errs, fmt.Errorf("%w: duplicate symbol %s", types.ErrInvalidTarget, symbol))
			continue
		}
		out[symbol] = decimal.Decimal(q)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidTarget, errors.Join(errs...))
	}
	return out, nil
}

func hasKey(p types.Positions, symbol string) bool {
	_, ok := p[symbol]
	return ok
}

// Save writes positions in the target file format.
func Save(path string, asOf time.Time, positions types.Positions) error {
	file := targetFile{Positions: make(map[string]quantity, len(positions))}
	if !asOf.IsZero() {
		file.AsOf = asOf.Format(time.DateOnly)
	}
	for symbol, qty := range positions {
		file.Positions[symbol] = quantity(qty)
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create targets dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	return nil
}
