package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"dbchanges/internal/diff"
	"dbchanges/internal/snapshot"
)

var (
	// ErrStartPointNotSet is returned when the end point or the change set is
	// requested before SetStartPointNow
	ErrStartPointNotSet = errors.New("start point not set")

	// ErrEndPointNotSet is returned when the change set is requested before
	// SetEndPointNow
	ErrEndPointNotSet = errors.New("end point not set")

	// ErrNoSources is returned when a request has nothing to capture
	ErrNoSources = errors.New("no sources to capture")
)

// Capturer takes a snapshot of one source
type Capturer interface {
	Capture(ctx context.Context, src snapshot.Source) (*snapshot.Snapshot, error)
}

// Catalog is a Capturer that can also enumerate the tables it sees
type Catalog interface {
	Capturer
	ListTables(ctx context.Context) ([]string, error)
}

// forgetter is a Catalog that caches table metadata between captures
type forgetter interface {
	Forget()
}

// Option configures a Request
type Option func(*Request)

// IncludeUnchanged keeps UNCHANGED entries for matched, identical rows
func IncludeUnchanged() Option {
	return func(r *Request) {
		r.diffOpts = append(r.diffOpts, diff.WithUnchanged())
	}
}

// Request captures every source at a start point and an end point and diffs
// each pair. It is not safe for concurrent use.
type Request struct {
	capturer Capturer
	catalog  Catalog
	logger   *logrus.Logger
	diffOpts []diff.Option

	sources []snapshot.Source
	start   []*snapshot.Snapshot
	end     []*snapshot.Snapshot
	changes *ChangeSet
}

// NewRequest creates a request over an explicit list of sources, diffed in
// the given order. A nil logger discards output.
func NewRequest(capturer Capturer, logger *logrus.Logger, sources []snapshot.Source, opts ...Option) *Request {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	r := &Request{
		capturer: capturer,
		logger:   logger,
		sources:  append([]snapshot.Source(nil), sources...),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewAllTablesRequest creates a request over every table the catalog lists.
// Tables are discovered, sorted by name, each time the start point is set.
// A catalog with a Forget method has its cached metadata dropped first, so
// altered tables are described again.
func NewAllTablesRequest(catalog Catalog, logger *logrus.Logger, opts ...Option) *Request {
	r := NewRequest(catalog, logger, nil, opts...)
	r.catalog = catalog
	return r
}

// Sources returns the sources of the request in diff order
func (r *Request) Sources() []snapshot.Source {
	return append([]snapshot.Source(nil), r.sources...)
}

// StartPoint returns the start point snapshots, nil until set
func (r *Request) StartPoint() []*snapshot.Snapshot {
	return append([]*snapshot.Snapshot(nil), r.start...)
}

// EndPoint returns the end point snapshots, nil until set
func (r *Request) EndPoint() []*snapshot.Snapshot {
	return append([]*snapshot.Snapshot(nil), r.end...)
}

// SetStartPointNow captures every source. Setting it again discards the
// previous end point and change set; a failed call leaves no start point.
func (r *Request) SetStartPointNow(ctx context.Context) error {
	r.start, r.end, r.changes = nil, nil, nil

	sources := r.sources
	if r.catalog != nil {
		if f, ok := r.catalog.(forgetter); ok {
			f.Forget()
		}
		tables, err := r.catalog.ListTables(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tables: %w", err)
		}
		sort.Strings(tables)
		sources = make([]snapshot.Source, len(tables))
		for i, t := range tables {
			sources[i] = snapshot.Table(t)
		}
	}
	if len(sources) == 0 {
		return ErrNoSources
	}

	snaps, err := r.captureAll(ctx, sources, "start")
	if err != nil {
		return err
	}
	r.sources = sources
	r.start = snaps
	return nil
}

// SetEndPointNow captures every source again. A failed call leaves no end
// point.
func (r *Request) SetEndPointNow(ctx context.Context) error {
	if r.start == nil {
		return ErrStartPointNotSet
	}
	r.end, r.changes = nil, nil

	snaps, err := r.captureAll(ctx, r.sources, "end")
	if err != nil {
		return err
	}
	r.end = snaps
	return nil
}

// ChangeSet diffs each source's start and end point on first call and returns
// the cached result afterwards. A schema mismatch on any source fails the
// whole call.
func (r *Request) ChangeSet() (*ChangeSet, error) {
	if r.start == nil {
		return nil, ErrStartPointNotSet
	}
	if r.end == nil {
		return nil, ErrEndPointNotSet
	}
	if r.changes != nil {
		return r.changes, nil
	}

	engine := diff.NewEngine(r.logger, r.diffOpts...)
	all := make([]diff.Change, 0)
	for i, src := range r.sources {
		changes, err := engine.Compare(r.start[i], r.end[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compare %s: %w", src, err)
		}
		all = append(all, changes...)
	}

	r.changes = New(all)
	r.logger.Infof("Computed %d changes across %d sources", r.changes.Len(), len(r.sources))
	return r.changes, nil
}

func (r *Request) captureAll(ctx context.Context, sources []snapshot.Source, point string) ([]*snapshot.Snapshot, error) {
	snaps := make([]*snapshot.Snapshot, len(sources))
	for i, src := range sources {
		snap, err := r.capturer.Capture(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("failed to capture %s point of %s: %w", point, src, err)
		}
		snaps[i] = snap
		r.logger.Debugf("Captured %s point of %s: %d rows", point, src, snap.RowCount())
	}
	return snaps, nil
}
