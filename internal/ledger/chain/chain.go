package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

var ErrCorruptChain = errors.New("chain verification failed")

type Options struct {
	// Owner is written into the genesis block of a new chain. An existing
	// chain keeps the owner it was created with.
	Owner string
	// Legacy makes the chain behave like an old deployment that only knows
	// the two-argument booking call.
	Legacy bool
	Logger *logging.Logger
	Now    func() time.Time
}

// Chain is a single-node append-only ledger on LevelDB. Every mutation is
// appended as one hash-linked block together with the state it produces in
// a single synced batch, so a call that returns has reached finality.
type Chain struct {
	db     *leveldb.DB
	owner  string
	legacy bool
	logger *logging.Logger
	now    func() time.Time

	mu sync.Mutex // serializes appends
}

// Open opens (or creates) a chain stored at path.
func Open(path string, opts Options) (*Chain, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	c, err := newChain(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// OpenMemory creates a chain that lives only in memory.
func OpenMemory(opts Options) (*Chain, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb: %w", err)
	}
	return newChain(db, opts)
}

func newChain(db *leveldb.DB, opts Options) (*Chain, error) {
	c := &Chain{
		db:     db,
		legacy: opts.Legacy,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	c.logger = c.logger.With("component", "chain")
	if c.now == nil {
		c.now = time.Now
	}

	owner, ok := c.getMeta(keyOwner)
	if ok {
		c.owner = owner
		h, _ := c.height()
		c.logger.Info("chain opened", "height", h, "owner", owner, "legacy", c.legacy)
		return c, nil
	}

	normalized, err := identity.NormalizeAddress(opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("chain owner: %w", err)
	}
	c.owner = normalized

	genesis := newBlock(0, genesisPrevHash, c.now(), Transaction{Type: TxGenesis, From: normalized})
	batch := new(leveldb.Batch)
	if err := putBlock(batch, genesis); err != nil {
		return nil, err
	}
	batch.Put([]byte(keyOwner), []byte(normalized))
	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write genesis: %w", err)
	}
	c.logger.Info("genesis block written", "hash", genesis.Hash, "owner", normalized)
	return c, nil
}

func (c *Chain) Close() error {
	return c.db.Close()
}

// appendLocked builds the next block for tx, lets mutate stage the resulting
// state into the same batch, and writes both atomically. c.mu must be held.
func (c *Chain) appendLocked(ctx context.Context, tx Transaction, mutate func(b *leveldb.Batch) error) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	h, err := c.height()
	if err != nil {
		return Block{}, err
	}
	prev, err := c.Block(h)
	if err != nil {
		return Block{}, fmt.Errorf("load block %d: %w", h, err)
	}

	blk := newBlock(h+1, prev.Hash, c.now(), tx)
	batch := new(leveldb.Batch)
	if err := putBlock(batch, blk); err != nil {
		return Block{}, err
	}
	if mutate != nil {
		if err := mutate(batch); err != nil {
			return Block{}, err
		}
	}
	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return Block{}, fmt.Errorf("append block %d: %w", blk.Index, err)
	}

	c.logger.Debug("block appended", "index", blk.Index, "tx", tx.Type, "hash", blk.Hash)
	return blk, nil
}

func putBlock(batch *leveldb.Batch, blk Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", blk.Index, err)
	}
	batch.Put([]byte(blockKey(blk.Index)), data)
	batch.Put([]byte("hash_"+blk.Hash), []byte(strconv.FormatUint(blk.Index, 10)))
	batch.Put([]byte(keyHeight), []byte(strconv.FormatUint(blk.Index, 10)))
	return nil
}

// Block returns the block at index.
func (c *Chain) Block(index uint64) (Block, error) {
	data, err := c.db.Get([]byte(blockKey(index)), nil)
	if err != nil {
		return Block{}, err
	}
	var blk Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return Block{}, fmt.Errorf("decode block %d: %w", index, err)
	}
	return blk, nil
}

// Height is the index of the latest block.
func (c *Chain) Height() (uint64, error) {
	return c.height()
}

func (c *Chain) height() (uint64, error) {
	s, ok := c.getMeta(keyHeight)
	if !ok {
		return 0, fmt.Errorf("%w: no height recorded", ErrCorruptChain)
	}
	return strconv.ParseUint(s, 10, 64)
}

// Verify walks the whole chain checking every hash and back link.
func (c *Chain) Verify() error {
	h, err := c.height()
	if err != nil {
		return err
	}
	prevHash := genesisPrevHash
	for i := uint64(0); i <= h; i++ {
		blk, err := c.Block(i)
		if err != nil {
			return fmt.Errorf("%w: load block %d: %v", ErrCorruptChain, i, err)
		}
		if blk.PrevHash != prevHash {
			return fmt.Errorf("%w: block %d prev hash mismatch", ErrCorruptChain, i)
		}
		if blk.computeHash() != blk.Hash {
			return fmt.Errorf("%w: block %d hash mismatch", ErrCorruptChain, i)
		}
		prevHash = blk.Hash
	}
	return nil
}

func (c *Chain) getMeta(key string) (string, bool) {
	v, err := c.db.Get([]byte(key), nil)
	if err != nil {
		return "", false
	}
	return string(v), true
}

func (c *Chain) getUint(key string) (uint64, error) {
	s, ok := c.getMeta(key)
	if !ok {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ledger.ErrRejectedByLedger, fmt.Sprintf(format, args...))
}

const (
	keyOwner         = "meta_owner"
	keyHeight        = "height_latest"
	keyApptTotal     = "appointments_total"
	keyPatientsTotal = "patients_total"
	keyRecordsTotal  = "health_records_total"
)

func blockKey(i uint64) string           { return fmt.Sprintf("block_%020d", i) }
func appointmentKey(id uint64) string    { return fmt.Sprintf("appt_%020d", id) }
func patientApptsKey(pid int64) string   { return fmt.Sprintf("patient_appts_%d", pid) }
func providerKey(addr string) string     { return "provider_" + addr }
func patientOfKey(account string) string { return "patient_of_" + account }
func recordKey(id uint64) string         { return fmt.Sprintf("record_%020d", id) }
func patientRecordsKey(pid int64) string { return fmt.Sprintf("patient_records_%d", pid) }
