package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sholiday/odin/internal/coord"
)

// BadgerStore is an embedded coordination namespace persisted in Badger. It
// serves the coord.Conn contract to sessions opened in the same process:
// persistent nodes survive a restart, ephemeral nodes live only as long as
// the session that created them.
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger

	// mu serializes every mutation so sequence assignment and watch
	// delivery observe one total order.
	mu       sync.Mutex
	sessions map[string]*Session
	watches  map[string][]*watch
}

// node is the stored form of a namespace entry.
type node struct {
	Data    []byte    `json:"data,omitempty"`
	Owner   string    `json:"owner,omitempty"`
	LastSeq int64     `json:"last_seq,omitempty"`
	Created time.Time `json:"created"`
}

type watch struct {
	ch      chan coord.Event
	session *Session
}

// Option configures a BadgerStore.
type Option func(*BadgerStore)

// WithLogger sets the store's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *BadgerStore) { s.log = log }
}

// NewBadgerStore opens the namespace at path. An empty path keeps the
// namespace in memory. Ephemeral nodes left behind by a previous process are
// removed before the store is returned.
func NewBadgerStore(path string, options ...Option) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
	}
	opts.Logger = nil                         // badger logs are noise next to ours
	opts = opts.WithValueLogFileSize(1 << 20) // small value log for local deployments
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &BadgerStore{
		db:       db,
		log:      zap.NewNop(),
		sessions: make(map[string]*Session),
		watches:  make(map[string][]*watch),
	}
	for _, o := range options {
		o(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close ends every open session and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.end(coord.ErrClosed)
	}
	return s.db.Close()
}

// Session opens a new session. Ephemeral nodes created through it are
// removed when it is closed or expired.
func (s *BadgerStore) Session() *Session {
	sess := &Session{
		store:      s,
		id:         uuid.NewString(),
		ephemerals: make(map[string]struct{}),
		expired:    make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Debug("session opened", zap.String("session", sess.id))
	return sess
}

func nodeKey(path string) []byte {
	return []byte("node:" + path)
}

// childPrefix is the key prefix shared by all descendants of path.
func childPrefix(path string) []byte {
	if path == "/" {
		return nodeKey("/")
	}
	return nodeKey(path + "/")
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func validatePath(path string, sequential bool) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid path %q: must be absolute", path)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") && !sequential {
		return fmt.Errorf("invalid path %q: trailing slash", path)
	}
	if strings.Contains(strings.TrimSuffix(path, "/"), "//") {
		return fmt.Errorf("invalid path %q: empty segment", path)
	}
	return nil
}

// init writes the root node and purges stale ephemeral nodes.
func (s *BadgerStore) init() error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey("/")); errors.Is(err, badger.ErrKeyNotFound) {
			if err := putNode(txn, "/", &node{Created: time.Now().UTC()}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var stale [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := nodeKey("/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n node
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &n)
			}); err != nil {
				it.Close()
				return err
			}
			if n.Owner != "" {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, k := range stale {
			s.log.Info("purging stale ephemeral node", zap.ByteString("key", k))
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func getNode(txn *badger.Txn, path string) (*node, error) {
	item, err := txn.Get(nodeKey(path))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, path)
		}
		return nil, err
	}
	var n node
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &n)
	}); err != nil {
		return nil, err
	}
	return &n, nil
}

func putNode(txn *badger.Txn, path string, n *node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return txn.Set(nodeKey(path), data)
}

// children lists direct child names of path in key order, which for
// sequential names is creation order.
func children(txn *badger.Txn, path string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := childPrefix(path)
	var names []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		rest := string(it.Item().Key()[len(prefix):])
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names, nil
}

func (s *BadgerStore) createLocked(sess *Session, path string, data []byte, flags coord.Flags) (string, error) {
	sequential := flags&coord.FlagSequence != 0
	if err := validatePath(path, sequential); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("%w: /", coord.ErrNodeExists)
	}

	parent := parentOf(path)
	created := path
	err := s.db.Update(func(txn *badger.Txn) error {
		p, err := getNode(txn, parent)
		if err != nil {
			return err
		}
		if sequential {
			p.LastSeq++
			created = path + coord.FormatSequence(p.LastSeq)
			if err := putNode(txn, parent, p); err != nil {
				return err
			}
		}
		if _, err := txn.Get(nodeKey(created)); err == nil {
			return fmt.Errorf("%w: %s", coord.ErrNodeExists, created)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		n := &node{Data: data, Created: time.Now().UTC()}
		if flags&coord.FlagEphemeral != 0 {
			n.Owner = sess.id
		}
		return putNode(txn, created, n)
	})
	if err != nil {
		return "", err
	}

	if flags&coord.FlagEphemeral != 0 {
		sess.ephemerals[created] = struct{}{}
	}
	s.fireLocked(parent, coord.Event{Type: coord.EventChildrenChanged, Path: parent})
	return created, nil
}

func (s *BadgerStore) deleteLocked(path string) error {
	if err := validatePath(path, false); err != nil {
		return err
	}
	if path == "/" {
		return errors.New("cannot delete the root node")
	}

	var owner string
	err := s.db.Update(func(txn *badger.Txn) error {
		n, err := getNode(txn, path)
		if err != nil {
			return err
		}
		kids, err := children(txn, path)
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return fmt.Errorf("%w: %s", coord.ErrNotEmpty, path)
		}
		owner = n.Owner
		return txn.Delete(nodeKey(path))
	})
	if err != nil {
		return err
	}

	if sess, ok := s.sessions[owner]; ok {
		delete(sess.ephemerals, path)
	}
	parent := parentOf(path)
	s.fireLocked(parent, coord.Event{Type: coord.EventChildrenChanged, Path: parent})
	s.fireLocked(path, coord.Event{Type: coord.EventNotWatching, Path: path, Err: coord.ErrNoNode})
	return nil
}

func (s *BadgerStore) get(path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := getNode(txn, path)
		if err != nil {
			return err
		}
		data = n.Data
		return nil
	})
	return data, err
}

func (s *BadgerStore) childrenLocked(path string) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getNode(txn, path); err != nil {
			return err
		}
		var err error
		names, err = children(txn, path)
		return err
	})
	return names, err
}

// fireLocked delivers ev to every watch armed on path and disarms them.
func (s *BadgerStore) fireLocked(path string, ev coord.Event) {
	ws := s.watches[path]
	if len(ws) == 0 {
		return
	}
	delete(s.watches, path)
	for _, w := range ws {
		w.ch <- ev
		close(w.ch)
	}
}

// dropWatchesLocked fires EventNotWatching on every watch owned by sess.
func (s *BadgerStore) dropWatchesLocked(sess *Session, cause error) {
	for path, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.session != sess {
				kept = append(kept, w)
				continue
			}
			w.ch <- coord.Event{Type: coord.EventNotWatching, Path: path, Err: cause}
			close(w.ch)
		}
		if len(kept) == 0 {
			delete(s.watches, path)
		} else {
			s.watches[path] = kept
		}
	}
}

// Session is a coord.Conn bound to a BadgerStore.
type Session struct {
	store *BadgerStore
	id    string

	// guarded by store.mu
	ephemerals map[string]struct{}
	err        error

	expired chan struct{}
}

var _ coord.Conn = (*Session)(nil)

// ID returns the session identifier recorded as the owner of its ephemeral nodes.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store.mu.Lock()
	if s.err != nil {
		err := s.err
		s.store.mu.Unlock()
		return err
	}
	return nil
}

// Create implements coord.Conn.
func (s *Session) Create(ctx context.Context, path string, data []byte, flags coord.Flags) (string, error) {
	if err := s.lock(ctx); err != nil {
		return "", err
	}
	defer s.store.mu.Unlock()
	return s.store.createLocked(s, path, data, flags)
}

// Delete implements coord.Conn.
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.store.mu.Unlock()
	return s.store.deleteLocked(path)
}

// Get implements coord.Conn.
func (s *Session) Get(ctx context.Context, path string) ([]byte, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.store.mu.Unlock()
	return s.store.get(path)
}

// Children implements coord.Conn.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.store.mu.Unlock()
	return s.store.childrenLocked(path)
}

// ChildrenW implements coord.Conn.
func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	if err := s.lock(ctx); err != nil {
		return nil, nil, err
	}
	defer s.store.mu.Unlock()

	names, err := s.store.childrenLocked(path)
	if err != nil {
		return nil, nil, err
	}
	w := &watch{ch: make(chan coord.Event, 1), session: s}
	s.store.watches[path] = append(s.store.watches[path], w)
	return names, w.ch, nil
}

// Expired implements coord.Conn.
func (s *Session) Expired() <-chan struct{} {
	return s.expired
}

// Expire simulates the service expiring the session: its ephemeral nodes are
// removed, its watches fire EventNotWatching and Expired is closed.
func (s *Session) Expire() error {
	return s.end(coord.ErrSessionExpired)
}

// Close implements coord.Conn.
func (s *Session) Close() error {
	return s.end(coord.ErrClosed)
}

func (s *Session) end(cause error) error {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.err != nil {
		return nil
	}
	s.err = cause

	for path := range s.ephemerals {
		if err := st.deleteLocked(path); err != nil && !errors.Is(err, coord.ErrNoNode) {
			st.log.Warn("removing ephemeral node", zap.String("path", path), zap.Error(err))
		}
	}
	st.dropWatchesLocked(s, cause)
	delete(st.sessions, s.id)
	if errors.Is(cause, coord.ErrSessionExpired) {
		close(s.expired)
	}
	st.log.Debug("session ended", zap.String("session", s.id), zap.Error(cause))
	return nil
}
