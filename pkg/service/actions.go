package service

import (
	"context"
	"fmt"

	"github.com/nimburion/docservice/pkg/projection"
	"github.com/nimburion/docservice/pkg/repository/document"
)

// Action names.
const (
	ActionList   = "list"
	ActionCount  = "count"
	ActionCreate = "create"
	ActionGet    = "get"
	ActionUpdate = "update"
	ActionRemove = "remove"
	ActionDrop   = "drop"
)

// Handler executes one action.
type Handler func(ctx context.Context, p Params) (interface{}, error)

// Action describes one action for a host dispatcher.
// A non-empty CacheKeys marks the action cacheable on those parameters, in order.
type Action struct {
	Name      string
	CacheKeys []string
	Handler   Handler
}

// Cacheable reports whether results may be cached.
func (a Action) Cacheable() bool {
	return len(a.CacheKeys) > 0
}

// Actions returns the action set of the service.
func (s *Service) Actions() []Action {
	return []Action{
		{Name: ActionList, CacheKeys: []string{ParamLimit, ParamOffset, ParamSort, ParamSearch}, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return s.List(ctx, p)
		}},
		{Name: ActionCount, CacheKeys: []string{ParamSearch}, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return s.Count(ctx, p)
		}},
		{Name: ActionCreate, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return nilIfAbsent(s.Create(ctx, p))
		}},
		{Name: ActionGet, CacheKeys: []string{ParamID}, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return nilIfAbsent(s.Get(ctx, p))
		}},
		{Name: ActionUpdate, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return nilIfAbsent(s.Update(ctx, p))
		}},
		{Name: ActionRemove, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return nil, s.Remove(ctx, p)
		}},
		{Name: ActionDrop, Handler: func(ctx context.Context, p Params) (interface{}, error) {
			return nil, s.Drop(ctx)
		}},
	}
}

// nilIfAbsent keeps a missing document an untyped nil so callers can compare the result to nil.
func nilIfAbsent(m map[string]interface{}, err error) (interface{}, error) {
	if m == nil {
		return nil, err
	}
	return m, err
}

// ToJSON projects doc with filter, falling back to the configured default filter.
func (s *Service) ToJSON(doc document.Document, filter projection.PropertyFilter) (map[string]interface{}, error) {
	return projection.ToJSON(doc, filter.Or(s.schema.Settings.PropertyFilter))
}

// ToJSONList projects docs with filter, falling back to the configured default filter.
func (s *Service) ToJSONList(docs []document.Document, filter projection.PropertyFilter) ([]map[string]interface{}, error) {
	return projection.ToJSONList(docs, filter.Or(s.schema.Settings.PropertyFilter))
}

func (s *Service) populate(ctx context.Context, p Params, doc map[string]interface{}) (map[string]interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	return s.populator.Populate(ctx, p, doc)
}

// List returns the documents selected by limit, offset and sort.
func (s *Service) List(ctx context.Context, p Params) ([]map[string]interface{}, error) {
	q := ApplyFilters(document.NewQuery(nil), p)
	docs, err := s.collection.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.ToJSONList(docs, projection.PropertyFilter{})
}

// Count returns the number of documents. The search parameter is not applied.
func (s *Service) Count(ctx context.Context, _ Params) (int64, error) {
	return s.collection.Count(ctx, nil)
}

// Create inserts the entity parameter and returns the projected stored document.
func (s *Service) Create(ctx context.Context, p Params) (map[string]interface{}, error) {
	entity, ok := p.Map(ParamEntity)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidParams, ParamEntity)
	}
	doc, err := s.collection.Insert(ctx, entity)
	if err != nil {
		return nil, err
	}
	out, err := s.shape(ctx, p, doc)
	if err != nil {
		return nil, err
	}
	s.ClearCache(ctx)
	return out, nil
}

// Get returns the projected document with the id parameter, or nil when there is none.
// A missing id matches nothing.
func (s *Service) Get(ctx context.Context, p Params) (map[string]interface{}, error) {
	id, ok := p.ID()
	if !ok {
		return nil, nil
	}
	doc, found, err := s.collection.FindByID(ctx, id)
	if err != nil || !found {
		return nil, err
	}
	return s.shape(ctx, p, doc)
}

// Update applies the update parameter to the document with the id parameter
// and returns the projected post-update document, or nil when there is none.
func (s *Service) Update(ctx context.Context, p Params) (map[string]interface{}, error) {
	id, ok := p.ID()
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidParams, ParamID)
	}
	patch, ok := p.Map(ParamUpdate)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidParams, ParamUpdate)
	}
	doc, _, err := s.collection.FindByIDAndUpdate(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	out, err := s.shape(ctx, p, doc)
	if err != nil {
		return nil, err
	}
	s.ClearCache(ctx)
	return out, nil
}

// Remove deletes the document with the id parameter. An absent document is not an error.
func (s *Service) Remove(ctx context.Context, p Params) error {
	id, ok := p.ID()
	if !ok {
		return fmt.Errorf("%w: %s is required", ErrInvalidParams, ParamID)
	}
	if err := s.collection.FindByIDAndRemove(ctx, id); err != nil {
		return err
	}
	s.ClearCache(ctx)
	return nil
}

// Drop deletes every document in the collection.
func (s *Service) Drop(ctx context.Context) error {
	if err := s.collection.RemoveAll(ctx); err != nil {
		return err
	}
	s.ClearCache(ctx)
	return nil
}

func (s *Service) shape(ctx context.Context, p Params, doc document.Document) (map[string]interface{}, error) {
	out, err := s.ToJSON(doc, projection.PropertyFilter{})
	if err != nil {
		return nil, err
	}
	return s.populate(ctx, p, out)
}
