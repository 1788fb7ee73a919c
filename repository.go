package chest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a repository.
type Options struct {
	// Logger receives structured progress and diagnostics; nil means silent.
	Logger *zap.Logger
	// IsTesting trades durability for speed in the page store backend.
	IsTesting bool
	// MmapSize overrides the page store's initial mmap window.
	MmapSize int
}

// Repository is the shared process-wide state: the store, the global version
// counter behind it, and the registry of open views. All access goes through
// views; the repository itself only serializes commits and fans out change
// notifications.
type Repository struct {
	store  Store
	logger *zap.Logger

	// commitMu is the single serialization point: read head version, write
	// batch, publish new version.
	commitMu sync.Mutex

	viewMu sync.Mutex
	views  map[*View]struct{}

	subMu sync.Mutex
	subs  map[chan *ChangeSet]struct{}

	closed bool
}

// Open opens (or creates) a page-store repository at the given file path.
func Open(path string, opt Options) (*Repository, error) {
	store, err := OpenBoltStore(path, BoltOptions{IsTesting: opt.IsTesting, MmapSize: opt.MmapSize})
	if err != nil {
		return nil, err
	}
	r, err := OpenStore(store, opt)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

// OpenDir opens (or creates) a file-store repository in the given directory.
func OpenDir(dir string, opt Options) (*Repository, error) {
	store, err := OpenFileStore(dir)
	if err != nil {
		return nil, err
	}
	r, err := OpenStore(store, opt)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

// OpenStore wraps an already-open backend. The repository takes ownership
// and closes the store on Close. A fresh store gets the schema bootstrap
// committed as its first version.
func OpenStore(store Store, opt Options) (*Repository, error) {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		store:  store,
		logger: logger,
		views:  make(map[*View]struct{}),
		subs:   make(map[chan *ChangeSet]struct{}),
	}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureSchema installs the self-describing schema items on first open:
// the schema root, the core module, and the kind and attribute kinds. The
// well-known UUIDs make the bootstrap idempotent across reopens.
func (r *Repository) ensureSchema() error {
	v, err := r.NewView("bootstrap")
	if err != nil {
		return err
	}
	defer v.Close()
	if existing, err := v.Find(SchemaRootID); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	root, err := v.createItem(SchemaRootID, "schema", nil, uuid.Nil, true)
	if err != nil {
		return err
	}
	core, err := v.createItem(CoreModuleID, "core", root, uuid.Nil, true)
	if err != nil {
		return err
	}
	kindItem, err := v.createItem(KindKindID, "Kind", core, KindKindID, true)
	if err != nil {
		return err
	}
	attrItem, err := v.createItem(AttributeKindID, "Attribute", core, KindKindID, true)
	if err != nil {
		return err
	}
	kindKind := &Kind{kindItem}
	if _, err := kindKind.DeclareAttribute(attrSuperKinds, Aspects{
		Cardinality: CardList,
		Type:        TypeRef,
	}); err != nil {
		return err
	}
	attrKind := &Kind{attrItem}
	for _, name := range []string{
		aspectCardinality, aspectType, aspectRedirectTo, aspectInheritFrom,
		aspectOtherName, aspectCopyPolicy, aspectDeletePolicy,
	} {
		if _, err := attrKind.DeclareAttribute(name, Aspects{Type: TypeString}); err != nil {
			return err
		}
	}
	for _, name := range []string{aspectRequired, aspectIndexed, aspectReadOnly} {
		if _, err := attrKind.DeclareAttribute(name, Aspects{Type: TypeBool}); err != nil {
			return err
		}
	}
	if err := v.Commit(); err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}
	r.logger.Info("installed schema", zap.Uint64("version", v.Version()))
	return nil
}

// NewView opens a view at the current head version. The name is for
// diagnostics only.
func (r *Repository) NewView(name string) (*View, error) {
	if r.closed {
		return nil, ErrClosed
	}
	head, err := r.store.Version()
	if err != nil {
		return nil, err
	}
	roots, err := r.store.Roots(head)
	if err != nil {
		return nil, err
	}
	v := &View{
		repo:        r,
		name:        name,
		version:     head,
		items:       make(map[uuid.UUID]*Item),
		roots:       roots,
		dirty:       make(map[uuid.UUID]*Item),
		attrIndexes: make(map[string][]*CollectionIndex),
		backRefs:    make(map[uuid.UUID][]RefCollection),
	}
	r.viewMu.Lock()
	r.views[v] = struct{}{}
	r.viewMu.Unlock()
	return v, nil
}

func (r *Repository) dropView(v *View) {
	r.viewMu.Lock()
	delete(r.views, v)
	r.viewMu.Unlock()
}

// Read opens a view, runs f, and closes the view. Mutations made inside are
// discarded.
func (r *Repository) Read(f func(v *View) error) error {
	v, err := r.NewView("read")
	if err != nil {
		return err
	}
	defer v.Close()
	return f(v)
}

// Write opens a view, runs f, and commits on success. An error from f
// cancels instead, leaving the repository untouched.
func (r *Repository) Write(f func(v *View) error) error {
	v, err := r.NewView("write")
	if err != nil {
		return err
	}
	defer v.Close()
	if err := f(v); err != nil {
		return err
	}
	return v.Commit()
}

// Version returns the current head version.
func (r *Repository) Version() (uint64, error) {
	return r.store.Version()
}

// Store exposes the backend, mainly for tests and tooling.
func (r *Repository) Store() Store { return r.store }

// Purge reclaims storage for record versions no open view can still see.
// The floor is the lowest version among open views, capped by keep.
func (r *Repository) Purge(keep uint64) (int, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	floor := keep
	r.viewMu.Lock()
	for v := range r.views {
		if v.version < floor {
			floor = v.version
		}
	}
	r.viewMu.Unlock()
	n, err := r.store.Purge(floor)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("purged", zap.Int("records", n), zap.Uint64("below", floor))
	}
	return n, nil
}

// Close closes every open view, the notification channels, and the store.
func (r *Repository) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.viewMu.Lock()
	for v := range r.views {
		v.closed = true
	}
	r.views = make(map[*View]struct{})
	r.viewMu.Unlock()
	r.subMu.Lock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = make(map[chan *ChangeSet]struct{})
	r.subMu.Unlock()
	return r.store.Close()
}
