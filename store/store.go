package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-object-cache/internal/graph"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// ObjectStore is an embedded object store backed by SQLite.
// It is safe for concurrent use; operations are serialized internally.
type ObjectStore struct {
	mu     sync.Mutex
	db     *bun.DB
	cfg    Config
	logger *slog.Logger
	types  *typeRegistry
	closed bool

	nextID int64
	byKey  map[graph.Key]*entry
	byID   map[int64]*entry

	// staged writes, flushed by Commit
	pending map[int64]*objectRow
	deleted map[int64]struct{}

	// identities deleted during the lifetime of this store; references to
	// them decode as nil
	tombstones map[int64]struct{}
}

// Open opens or creates the store at cfg.Path.
func Open(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqldb, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "open sqlite database")
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers the way SQLite expects.
	sqldb.SetMaxOpenConns(1)

	s := &ObjectStore{
		db:      bun.NewDB(sqldb, sqlitedialect.New()),
		cfg:     cfg,
		logger:  cfg.logger(),
		types:   newTypeRegistry(),
		byKey:   make(map[graph.Key]*entry),
		byID:    make(map[int64]*entry),
		pending: make(map[int64]*objectRow),
		deleted: make(map[int64]struct{}),

		tombstones: make(map[int64]struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}

	for _, sample := range cfg.Types {
		if err := s.Register(sample); err != nil {
			s.db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *ObjectStore) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*objectRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "create objects table")
	}

	if s.cfg.Indexed {
		if _, err := s.db.NewCreateIndex().
			Model((*objectRow)(nil)).
			Index("idx_objects_type_name").
			Column("type_name").
			IfNotExists().
			Exec(ctx); err != nil {
			return errors.Wrap(err, errors.CategoryExternal, "create type index")
		}
	}

	var maxID int64
	if err := s.db.NewSelect().
		Model((*objectRow)(nil)).
		ColumnExpr("COALESCE(MAX(id), 0)").
		Scan(ctx, &maxID); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "read highest identity")
	}
	s.nextID = maxID
	return nil
}

// Register makes the types of the given samples known to the store, along
// with every reference type reachable from them.
func (s *ObjectStore) Register(samples ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range samples {
		t, ok := sample.(reflect.Type)
		if !ok {
			t = reflect.TypeOf(sample)
		}
		if _, err := s.types.register(t); err != nil {
			return err
		}
	}
	return nil
}

// IdentityOf returns the identity of obj, or 0 if it was never stored.
func (s *ObjectStore) IdentityOf(obj any) int64 {
	v, ok := referenceValue(obj)
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookupLocked(v); ok {
		return e.id
	}
	return 0
}

// Store writes obj one level deep. New objects reachable from obj are
// assigned identities and stored as well.
func (s *ObjectStore) Store(ctx context.Context, obj any) error {
	v, ok := referenceValue(obj)
	if !ok {
		return fmt.Errorf("store %T: %w", obj, ErrUnregistered)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.lookupLocked(v)
	if !ok {
		var err error
		if e, err = s.registerLocked(v, true); err != nil {
			return err
		}
	}

	if !e.active {
		if err := s.activateLocked(ctx, e, 1); err != nil {
			return err
		}
	}

	queue := []*entry{e}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var fresh []reflect.Value
		data, err := s.encodeLocked(cur.value, &fresh)
		if err != nil {
			return err
		}
		s.pending[cur.id] = &objectRow{
			ID:        cur.id,
			TypeName:  cur.typeName,
			GUID:      cur.guid,
			Data:      data,
			UpdatedAt: time.Now().UTC(),
		}
		if s.cfg.Debug {
			s.logger.Debug("object staged", "id", cur.id, "type", cur.typeName)
		}

		for _, child := range fresh {
			ce, _ := s.lookupLocked(child)
			queue = append(queue, ce)
		}
	}
	return nil
}

// IsActive reports whether obj has its data loaded. Objects the store does
// not know are considered active.
func (s *ObjectStore) IsActive(obj any) bool {
	v, ok := referenceValue(obj)
	if !ok {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(v)
	return !ok || e.active
}

// Activate loads the data of obj and of the objects it references, down to
// depth reference hops. Objects that are already active are left untouched.
func (s *ObjectStore) Activate(ctx context.Context, obj any, depth int) error {
	v, ok := referenceValue(obj)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.lookupLocked(v)
	if !ok {
		return nil
	}
	return s.activateLocked(ctx, e, depth)
}

func (s *ObjectStore) activateLocked(ctx context.Context, e *entry, depth int) error {
	if depth <= 0 {
		return nil
	}

	if !e.active {
		row, err := s.rowLocked(ctx, e.id)
		if err != nil {
			return err
		}
		if row.TypeName != e.typeName {
			return fmt.Errorf("activate %d: stored %s, live %s: %w", e.id, row.TypeName, e.typeName, ErrTypeMismatch)
		}
		if err := s.decodeLocked(e.value, row.Data); err != nil {
			return err
		}
		e.active = true
		e.guid = row.GUID
		if s.cfg.Debug {
			s.logger.Debug("object activated", "id", e.id, "type", e.typeName)
		}
	}

	if depth == 1 {
		return nil
	}
	for _, ref := range referencesOf(e.value) {
		child, ok := s.lookupLocked(ref)
		if !ok {
			continue
		}
		if err := s.activateLocked(ctx, child, depth-1); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// Fetch returns the live object with the given identity, loading it and
// activating it to the configured depth when needed.
func (s *ObjectStore) Fetch(ctx context.Context, id int64) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, gone := s.tombstones[id]; gone {
		return nil, fmt.Errorf("fetch %d: %w", id, ErrNotFound)
	}

	e, ok := s.byID[id]
	if !ok {
		row, err := s.rowLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		t, ok := s.types.lookup(row.TypeName)
		if !ok {
			return nil, fmt.Errorf("fetch %d of type %s: %w", id, row.TypeName, ErrUnregistered)
		}
		if e, err = s.stubLocked(id, t); err != nil {
			return nil, err
		}
	}

	if err := s.activateLocked(ctx, e, s.cfg.ActivationDepth); err != nil {
		return nil, err
	}
	return e.value.Interface(), nil
}

// IDsOf lists the identities of every stored object of type t, in
// ascending order. Staged writes are included.
func (s *ObjectStore) IDsOf(ctx context.Context, t reflect.Type) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	name, err := s.types.register(t)
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := s.db.NewSelect().
		Model((*objectRow)(nil)).
		Column("id").
		Where("type_name = ?", name).
		Order("id ASC").
		Scan(ctx, &ids); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, errors.CategoryExternal, "scan identities").
			WithMetadata(map[string]any{"type": name})
	}

	for id, row := range s.pending {
		if row.TypeName == name {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)
	return slices.DeleteFunc(ids, func(id int64) bool {
		_, gone := s.deleted[id]
		return gone
	}), nil
}

// Delete removes obj from the store. The deletion becomes durable on Commit.
func (s *ObjectStore) Delete(ctx context.Context, obj any) error {
	v, ok := referenceValue(obj)
	if !ok {
		return fmt.Errorf("delete %T: %w", obj, ErrUnregistered)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.lookupLocked(v)
	if !ok {
		return fmt.Errorf("delete %T: %w", obj, ErrUnregistered)
	}

	delete(s.pending, e.id)
	delete(s.byID, e.id)
	delete(s.byKey, keyOf(v))
	s.deleted[e.id] = struct{}{}
	s.tombstones[e.id] = struct{}{}
	if s.cfg.Debug {
		s.logger.Debug("object deleted", "id", e.id, "type", e.typeName)
	}
	return nil
}

// Commit writes every staged change in one transaction.
func (s *ObjectStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.pending) == 0 && len(s.deleted) == 0 {
		return nil
	}

	rows := make([]*objectRow, 0, len(s.pending))
	for _, row := range s.pending {
		rows = append(rows, row)
	}
	ids := make([]int64, 0, len(s.deleted))
	for id := range s.deleted {
		ids = append(ids, id)
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(rows) > 0 {
			if _, err := tx.NewInsert().
				Model(&rows).
				On("CONFLICT (id) DO UPDATE").
				Set("type_name = EXCLUDED.type_name").
				Set("data = EXCLUDED.data").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			if _, err := tx.NewDelete().
				Model((*objectRow)(nil)).
				Where("id IN (?)", bun.In(ids)).
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "commit objects").
			WithMetadata(map[string]any{"written": len(rows), "deleted": len(ids)})
	}

	if s.cfg.Debug {
		s.logger.Debug("objects committed", "written", len(rows), "deleted", len(ids))
	}
	clear(s.pending)
	clear(s.deleted)
	return nil
}

// Close releases the database. Staged changes that were not committed are
// discarded.
func (s *ObjectStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *ObjectStore) rowLocked(ctx context.Context, id int64) (*objectRow, error) {
	if row, ok := s.pending[id]; ok {
		return row, nil
	}

	row := new(objectRow)
	if err := s.db.NewSelect().
		Model(row).
		Where("id = ?", id).
		Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load %d: %w", id, ErrNotFound)
		}
		return nil, errors.Wrap(err, errors.CategoryExternal, "load object").
			WithMetadata(map[string]any{"id": id})
	}
	return row, nil
}

func (s *ObjectStore) lookupLocked(v reflect.Value) (*entry, bool) {
	e, ok := s.byKey[keyOf(v)]
	return e, ok
}

// registerLocked assigns a new identity to v.
func (s *ObjectStore) registerLocked(v reflect.Value, active bool) (*entry, error) {
	name, err := s.types.register(v.Type())
	if err != nil {
		return nil, err
	}

	s.nextID++
	e := &entry{
		id:       s.nextID,
		guid:     uuid.NewString(),
		typeName: name,
		value:    v,
		active:   active,
	}
	s.byID[e.id] = e
	s.byKey[keyOf(v)] = e
	return e, nil
}

// stubLocked returns the live object for id, creating an inactive one of
// type t when it is not loaded yet.
func (s *ObjectStore) stubLocked(id int64, t reflect.Type) (*entry, error) {
	if e, ok := s.byID[id]; ok {
		if e.value.Type() != t {
			return nil, fmt.Errorf("object %d is %s, not %s: %w", id, e.value.Type(), t, ErrTypeMismatch)
		}
		return e, nil
	}

	name, err := s.types.register(t)
	if err != nil {
		return nil, err
	}

	var v reflect.Value
	if t.Kind() == reflect.Map {
		v = reflect.MakeMap(t)
	} else {
		v = reflect.New(t.Elem())
	}

	e := &entry{id: id, typeName: name, value: v}
	s.byID[id] = e
	s.byKey[keyOf(v)] = e
	return e, nil
}

func referenceValue(obj any) (reflect.Value, bool) {
	if _, ok := graph.KeyOf(obj); !ok {
		return reflect.Value{}, false
	}
	return reflect.ValueOf(obj), true
}

func keyOf(v reflect.Value) graph.Key {
	return graph.Key{Addr: v.Pointer(), Type: v.Type()}
}
