// Package directory serves the provider and operatory reference records the scheduler books against.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/chairbook/libs/config"
	"github.com/md-rashed-zaman/chairbook/libs/db"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

var ErrUnknownResource = errors.New("unknown resource")

type Directory interface {
	Providers(ctx context.Context) ([]model.Resource, error)
	// Operatories are returned in allocation priority order.
	Operatories(ctx context.Context) ([]model.Resource, error)
}

// Lookup finds one record of kind, failing with ErrUnknownResource.
func Lookup(ctx context.Context, d Directory, kind model.ResourceKind, id string) (model.Resource, error) {
	list := d.Providers
	if kind == model.KindOperatory {
		list = d.Operatories
	}
	all, err := list(ctx)
	if err != nil {
		return model.Resource{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return model.Resource{}, fmt.Errorf("%w: %s %q", ErrUnknownResource, kind, id)
}

type Static struct {
	providers   []model.Resource
	operatories []model.Resource
}

func NewStatic(providers, operatories []model.Resource) *Static {
	return &Static{providers: providers, operatories: operatories}
}

func (s *Static) Providers(context.Context) ([]model.Resource, error) {
	return append([]model.Resource(nil), s.providers...), nil
}

func (s *Static) Operatories(context.Context) ([]model.Resource, error) {
	return append([]model.Resource(nil), s.operatories...), nil
}

// StaticFromEnv reads PROVIDERS and OPERATORIES as "id:name" lists; list order is priority.
func StaticFromEnv() (*Static, error) {
	providers, err := parseResources("PROVIDERS", config.List("PROVIDERS"))
	if err != nil {
		return nil, err
	}
	operatories, err := parseResources("OPERATORIES", config.List("OPERATORIES"))
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 || len(operatories) == 0 {
		return nil, errors.New("PROVIDERS and OPERATORIES must list at least one record each")
	}
	return NewStatic(providers, operatories), nil
}

func parseResources(key string, entries []string) ([]model.Resource, error) {
	seen := map[string]bool{}
	out := make([]model.Resource, 0, len(entries))
	for i, e := range entries {
		id, name, _ := strings.Cut(e, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%s: empty id in %q", key, e)
		}
		if seen[id] {
			return nil, fmt.Errorf("%s: duplicate id %q", key, id)
		}
		seen[id] = true
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		out = append(out, model.Resource{ID: id, Name: name, Priority: i + 1})
	}
	return out, nil
}

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Providers(ctx context.Context) ([]model.Resource, error) {
	return p.query(ctx, `SELECT id, name, 0 FROM providers WHERE active ORDER BY name, id`)
}

func (p *Postgres) Operatories(ctx context.Context) ([]model.Resource, error) {
	return p.query(ctx, `SELECT id, name, priority FROM operatories WHERE active ORDER BY priority, id`)
}

func (p *Postgres) query(ctx context.Context, sql string) ([]model.Resource, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Resource, error) {
		var r model.Resource
		err := row.Scan(&r.ID, &r.Name, &r.Priority)
		return r, err
	})
}
