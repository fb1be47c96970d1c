// Package config reads process configuration from the environment, with
// optional overrides from SSM Parameter Store. Only cmd/ packages call it.
package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Batch sizes the transactional writes against DynamoDB.
type Batch struct {
	MaxBatchItems int `env:"MAX_BATCH_ITEMS" envDefault:"100"`
}

// Presence holds the typing-indicator staleness threshold.
type Presence struct {
	TypingStaleAfter time.Duration `env:"TYPING_STALE_AFTER" envDefault:"5m"`
}

// Archiver configures the offer stream consumer.
type Archiver struct {
	StateTable   string `env:"STATE_TABLE,required,notEmpty"`
	ArchiveTable string `env:"ARCHIVE_TABLE,required,notEmpty"`
	OfferIndex   string `env:"OFFER_INDEX" envDefault:"offerId-index"`
	ParamPrefix  string `env:"PARAM_PREFIX"`
	Batch
}

// Janitor configures the conversation stream consumer.
type Janitor struct {
	StateTable  string `env:"STATE_TABLE,required,notEmpty"`
	ParamPrefix string `env:"PARAM_PREFIX"`
	Batch
	Presence
}

// Watcher configures the MongoDB change-stream consumer.
type Watcher struct {
	MongoURI string `env:"MONGODB_URI,required,notEmpty"`
	Database string `env:"MONGODB_DATABASE" envDefault:"marketplace"`
	Presence
}

type Lookuper interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

func LoadArchiver() (Archiver, error) {
	var cfg Archiver
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.ParamPrefix = normalizePrefix(cfg.ParamPrefix)
	return cfg, cfg.Batch.validate()
}

func LoadJanitor() (Janitor, error) {
	var cfg Janitor
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.ParamPrefix = normalizePrefix(cfg.ParamPrefix)
	return cfg, errors.Join(cfg.Batch.validate(), cfg.Presence.validate())
}

func LoadWatcher() (Watcher, error) {
	var cfg Watcher
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Presence.validate()
}

// ApplyParams overrides MaxBatchItems with <prefix>/config/max_batch_items
// when that parameter exists.
func (c *Archiver) ApplyParams(ctx context.Context, params Lookuper) error {
	return c.Batch.applyParams(ctx, params, c.ParamPrefix)
}

// ApplyParams overrides tuning values with <prefix>/config/typing_stale_after
// and <prefix>/config/max_batch_items when those parameters exist.
func (c *Janitor) ApplyParams(ctx context.Context, params Lookuper) error {
	if err := c.Presence.applyParams(ctx, params, c.ParamPrefix); err != nil {
		return err
	}
	return c.Batch.applyParams(ctx, params, c.ParamPrefix)
}

func (b *Batch) validate() error {
	if b.MaxBatchItems < 2 {
		return fmt.Errorf("config: MAX_BATCH_ITEMS: batch size %d must be at least 2", b.MaxBatchItems)
	}
	return nil
}

func (p *Presence) validate() error {
	if p.TypingStaleAfter <= 0 {
		return fmt.Errorf("config: TYPING_STALE_AFTER: duration %s must be positive", p.TypingStaleAfter)
	}
	return nil
}

func (b *Batch) applyParams(ctx context.Context, params Lookuper, prefix string) error {
	v, ok, err := lookup(ctx, params, prefix, "max_batch_items")
	if err != nil || !ok {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: max_batch_items: %w", err)
	}
	next := Batch{MaxBatchItems: n}
	if err := next.validate(); err != nil {
		return fmt.Errorf("config: max_batch_items: %w", err)
	}
	*b = next
	return nil
}

func (p *Presence) applyParams(ctx context.Context, params Lookuper, prefix string) error {
	v, ok, err := lookup(ctx, params, prefix, "typing_stale_after")
	if err != nil || !ok {
		return err
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: typing_stale_after: %w", err)
	}
	next := Presence{TypingStaleAfter: d}
	if err := next.validate(); err != nil {
		return fmt.Errorf("config: typing_stale_after: %w", err)
	}
	*p = next
	return nil
}

func lookup(ctx context.Context, params Lookuper, prefix, name string) (string, bool, error) {
	if params == nil || prefix == "" {
		return "", false, nil
	}
	v, ok, err := params.Lookup(ctx, prefix+"/config/"+name)
	if err != nil {
		return "", false, fmt.Errorf("config: load %s: %w", name, err)
	}
	return v, ok, nil
}

func normalizePrefix(p string) string {
	return strings.TrimRight(strings.TrimSpace(p), "/")
}
