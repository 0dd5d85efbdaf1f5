// Package store persists lineage records. Every backend implements the
// enhancement transition as a compare-and-swap so concurrent enhancers of the
// same image record exactly one result.
package store

import (
	"context"

	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/platform/errors"
)

// Store defines the lineage persistence contract.
type Store interface {
	// Get returns the lineage of id. Absence is reported as found=false.
	Get(ctx context.Context, id string) (l lineage.Lineage, found bool, err error)
	// Update runs fn on the current lineage (a fresh one when absent) and
	// stores the result atomically. fn may run more than once under
	// contention and must not change the enhancement state.
	Update(ctx context.Context, id string, fn func(*lineage.Lineage) error) error
	// MarkEnhanced applies e only if enhancement has not been applied yet.
	// It returns whether this call performed the transition and the lineage
	// as stored afterwards.
	MarkEnhanced(ctx context.Context, id string, e lineage.Enhancement) (applied bool, current lineage.Lineage, err error)
	Close(ctx context.Context) error
}

// Config describes the high level store selection parameters.
type Config struct {
	Driver string
	Redis  *RedisConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// maxAttempts bounds optimistic retries under contention.
const maxAttempts = 32

func applyUpdate(current lineage.Lineage, fn func(*lineage.Lineage) error) (lineage.Lineage, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return lineage.Lineage{}, err
	}
	if !lineage.SameEnhancement(current, next) {
		return lineage.Lineage{}, errors.New(errors.KindDomain, "lineage.update",
			"enhancement state can only change through MarkEnhanced")
	}
	return next, nil
}

func contention(op, id string) error {
	return errors.Newf(errors.KindStorage, op, "lineage %s: too much contention", id)
}
