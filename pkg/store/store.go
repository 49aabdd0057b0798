// Package store keeps the ledger state in a leveldb database.
//
// Layout: key "g" holds the encoded globals, "u" || address one user record
// each, and "t" the JSON dump of the in-process asset ledger. A committed
// operation is written as one batch.
package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/stable-net/stakingd/pkg/state"
)

var logger = log.New("pkg", "store")

var (
	globalsKey = []byte("g")
	userPrefix = []byte("u")
	tokenKey   = []byte("t")
)

var writeOpt = opt.WriteOptions{Sync: true}
var readOpt = opt.ReadOptions{}

// Options options for creating the database.
type Options struct {
	CacheSize              int
	OpenFilesCacheCapacity int
}

// TokenState is the asset ledger saved together with the ledger state.
type TokenState interface {
	DumpJSON() ([]byte, error)
	LoadJSON(data []byte) error
}

// LevelDB wraps the leveldb instance.
type LevelDB struct {
	db *leveldb.DB
}

// New opens or creates a persistent database at path.
func New(path string, opts Options) (*LevelDB, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "new persistent level db")
	}
	return openLevelDB(stg, opts.CacheSize, opts.OpenFilesCacheCapacity)
}

// NewMem creates a database in memory.
func NewMem() (*LevelDB, error) {
	return openLevelDB(storage.NewMemStorage(), 0, 0)
}

func openLevelDB(stg storage.Storage, cacheSize, openFilesCacheCapacity int) (*LevelDB, error) {
	if cacheSize < 16 {
		cacheSize = 16
	}
	if openFilesCacheCapacity < 16 {
		openFilesCacheCapacity = 16
	}

	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: openFilesCacheCapacity,
		BlockCacheCapacity:     cacheSize / 2 * opt.MiB,
		WriteBuffer:            cacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open level db")
	}
	return &LevelDB{db: db}, nil
}

// Close closes the database. Later operations will all fail.
func (s *LevelDB) Close() error {
	return s.db.Close()
}

func userKey(addr common.Address) []byte {
	return append(append([]byte{}, userPrefix...), addr.Bytes()...)
}

// Persist writes what changed in st since the last call, plus the asset
// ledger if tok is not nil, as one atomic batch.
func (s *LevelDB) Persist(st state.Manager, tok TokenState) error {
	d := st.TakeDirty()
	batch := new(leveldb.Batch)

	if d.Full {
		it := s.db.NewIterator(util.BytesPrefix(userPrefix), &readOpt)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return errors.Wrap(err, "iterate users")
		}
		batch.Put(globalsKey, state.EncodeGlobals(st.Globals()))
		for _, addr := range st.Users() {
			batch.Put(userKey(addr), state.EncodeUser(st.User(addr)))
		}
	} else {
		if d.Globals {
			batch.Put(globalsKey, state.EncodeGlobals(st.Globals()))
		}
		for _, addr := range d.Users {
			rec := st.User(addr)
			if rec.IsZero() {
				batch.Delete(userKey(addr))
			} else {
				batch.Put(userKey(addr), state.EncodeUser(rec))
			}
		}
	}

	if tok != nil {
		data, err := tok.DumpJSON()
		if err != nil {
			return errors.Wrap(err, "encode token dump")
		}
		batch.Put(tokenKey, data)
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, &writeOpt); err != nil {
		return errors.Wrap(err, "write batch")
	}
	logger.Trace("Persisted state", "full", d.Full, "users", len(d.Users), "ops", batch.Len())
	return nil
}

// Load restores st and tok from the database. It reports false and changes
// nothing when the database holds no ledger yet.
func (s *LevelDB) Load(st state.Manager, tok TokenState) (bool, error) {
	raw, err := s.db.Get(globalsKey, &readOpt)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read globals")
	}
	g, err := state.DecodeGlobals(raw)
	if err != nil {
		return false, errors.Wrap(err, "decode globals")
	}

	dump := &state.StateDump{
		Active:            g.Active,
		Bouncer:           g.Bouncer.Hex(),
		StakedFundsTotal:  g.StakedFundsTotal.Hex(),
		RewardsFundsTotal: g.RewardsFundsTotal.Hex(),
		Users:             make(map[string]state.UserDump),
	}

	it := s.db.NewIterator(util.BytesPrefix(userPrefix), &readOpt)
	for it.Next() {
		key := it.Key()
		if len(key) != len(userPrefix)+common.AddressLength {
			it.Release()
			return false, errors.Errorf("malformed user key %x", key)
		}
		rec, err := state.DecodeUser(it.Value())
		if err != nil {
			it.Release()
			return false, errors.Wrapf(err, "decode user %x", key[len(userPrefix):])
		}
		addr := common.BytesToAddress(key[len(userPrefix):])
		dump.Users[addr.Hex()] = state.UserDump{
			AmountStaked:          rec.AmountStaked.Hex(),
			TotalRewardsClaimed:   rec.TotalRewardsClaimed.Hex(),
			StakingStartTimestamp: hexutil.EncodeUint64(rec.StakingStartTimestamp),
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrap(err, "iterate users")
	}

	if tok != nil {
		data, err := s.db.Get(tokenKey, &readOpt)
		switch {
		case err == leveldb.ErrNotFound:
		case err != nil:
			return false, errors.Wrap(err, "read token dump")
		default:
			if err := tok.LoadJSON(data); err != nil {
				return false, errors.Wrap(err, "load token dump")
			}
		}
	}

	if err := st.Load(dump); err != nil {
		return false, errors.Wrap(err, "load state")
	}
	// The database already matches.
	st.TakeDirty()
	if _, err := st.Commit(); err != nil {
		return false, err
	}
	logger.Info("Loaded ledger state", "users", len(dump.Users), "active", g.Active)
	return true, nil
}

// Persister binds the database and an asset ledger into a ledger.Persister.
type Persister struct {
	db    *LevelDB
	token TokenState
}

// Persister returns a persister that saves tok alongside the state.
func (s *LevelDB) Persister(tok TokenState) *Persister {
	return &Persister{db: s, token: tok}
}

// Persist implements ledger.Persister.
func (p *Persister) Persist(st state.Manager) error {
	return p.db.Persist(st, p.token)
}
