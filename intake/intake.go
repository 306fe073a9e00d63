// Package intake is the consensus handler: it consumes committed sub-DAGs
// from the consensus subsystem, enforces monotonic and idempotent commit
// processing, persists the execution index and every routed transaction
// atomically in an embedded store, and replays from epoch start on
// restart when the persisted index has drifted ahead of in-memory state.
package intake

import (
	"encoding/binary"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/log"
	"github.com/dwallet-labs/ika/wire"
)

// TransactionKey uniquely and monotonically identifies one transaction's
// position within an epoch's commit stream.
type TransactionKey struct {
	Round            uint64
	SubDagIndex      uint64
	TransactionIndex uint64
}

// AuthorityTransactions is one authority's ordered contribution to a
// sub-DAG.
type AuthorityTransactions struct {
	Authority    accessstructure.PID
	Transactions [][]byte // CBOR-encoded wire.Transaction values
}

// SubDag is one committed consensus output.
type SubDag struct {
	LeaderRound     uint64
	SubDagIndex     uint64
	CommitTimestamp time.Time
	Authorities     []AuthorityTransactions
}

// Router is notified of every transaction the handler accepts, in commit
// order, so it can feed the MPC coordinator and session registry.
type Router interface {
	Route(key TransactionKey, authority accessstructure.PID, tx wire.Decoded) error
}

const processedCacheCapacity = 1 << 20

var (
	execIndexKey        = []byte("exec_index")
	lastTimestampKey    = []byte("last_timestamp")
)

// Handler is the consensus commit pipeline for one epoch.
type Handler struct {
	db     *pebble.DB
	dedup  *lru.Cache[TransactionKey, struct{}]
	router Router
	logger log.Logger

	epochStartTimestamp time.Time
	lastCommittedRound  uint64
	inCommitSeen        map[TransactionKey]struct{}
}

// New builds a handler over the already-open pebble store db and restores
// the last committed round from it, if any.
func New(db *pebble.DB, router Router, epochStartTimestamp time.Time, logger log.Logger) (*Handler, error) {
	dedup, err := lru.New[TransactionKey, struct{}](processedCacheCapacity)
	if err != nil {
		return nil, errs.MarkInvariant(err)
	}
	if logger == nil {
		logger = log.NewNoOp()
	}

	h := &Handler{
		db:                   db,
		dedup:                dedup,
		router:               router,
		logger:               logger,
		epochStartTimestamp:  epochStartTimestamp,
		inCommitSeen:         make(map[TransactionKey]struct{}),
	}

	round, ok, err := h.readExecIndex()
	if err != nil {
		return nil, err
	}
	if ok {
		h.lastCommittedRound = round
	}
	return h, nil
}

// HandleCommittedSubDag processes one committed sub-DAG. Equal-to-last
// rounds are ignored idempotently for restart safety; rounds behind the
// last committed round are a monotonicity violation.
func (h *Handler) HandleCommittedSubDag(subdag SubDag) error {
	if subdag.LeaderRound < h.lastCommittedRound {
		return errs.MarkInvariant(errors.Newf(
			"intake: commit round %d precedes last committed round %d", subdag.LeaderRound, h.lastCommittedRound))
	}
	if subdag.LeaderRound == h.lastCommittedRound {
		return nil
	}

	timestamp := subdag.CommitTimestamp
	if timestamp.Before(h.epochStartTimestamp) {
		timestamp = h.epochStartTimestamp
	}

	batch := h.db.NewBatch()
	defer batch.Close()

	clear(h.inCommitSeen)

	var txIndex uint64
	for _, at := range subdag.Authorities {
		for _, raw := range at.Transactions {
			key := TransactionKey{Round: subdag.LeaderRound, SubDagIndex: subdag.SubDagIndex, TransactionIndex: txIndex}
			txIndex++

			if _, dup := h.inCommitSeen[key]; dup {
				continue
			}
			h.inCommitSeen[key] = struct{}{}
			if h.dedup.Contains(key) {
				continue
			}

			tx, err := decodeTransaction(raw)
			if err != nil {
				h.logger.Warn("intake: dropping undecodable transaction")
				continue
			}

			if err := batch.Set(eventKey(key), raw, nil); err != nil {
				return errs.MarkTransient(err)
			}
			if h.router != nil {
				if err := h.router.Route(key, at.Authority, tx); err != nil {
					return err
				}
			}
		}
	}

	if err := batch.Set(execIndexKey, encodeRound(subdag.LeaderRound), nil); err != nil {
		return errs.MarkTransient(err)
	}
	if err := batch.Set(lastTimestampKey, encodeRound(uint64(timestamp.UnixNano())), nil); err != nil {
		return errs.MarkTransient(err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errs.MarkTransient(err)
	}

	for key := range h.inCommitSeen {
		h.dedup.Add(key, struct{}{})
	}
	h.lastCommittedRound = subdag.LeaderRound
	return nil
}

// LastCommitTimestamp returns the clamped commit timestamp most recently
// persisted, or the zero time if no commit has been processed yet.
func (h *Handler) LastCommitTimestamp() (time.Time, error) {
	value, closer, err := h.db.Get(lastTimestampKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errs.MarkTransient(err)
	}
	defer closer.Close()
	return time.Unix(0, int64(binary.BigEndian.Uint64(value))), nil
}

// NeedsStateSync reports whether the persisted execution index has moved
// past what the supplied verifier last processed by more than one round,
// meaning the coordinator's in-memory state must be rebuilt by replay
// before the handler accepts new commits.
func (h *Handler) NeedsStateSync(verifierLastProcessedRound uint64) bool {
	return h.lastCommittedRound > verifierLastProcessedRound+1
}

// ReplayFromEpochStart re-delivers every stored event from round 0 up to
// and including the last committed round, in key order, to router. It is
// used to rebuild coordinator state after NeedsStateSync reports true.
func (h *Handler) ReplayFromEpochStart(router Router) error {
	iter, err := h.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKeyPrefix(),
		UpperBound: eventKeyUpperBound(),
	})
	if err != nil {
		return errs.MarkTransient(err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		key, err := decodeEventKey(iter.Key())
		if err != nil {
			return errs.MarkInvariant(err)
		}
		tx, err := decodeTransaction(iter.Value())
		if err != nil {
			continue
		}
		if err := router.Route(key, 0, tx); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (h *Handler) readExecIndex() (uint64, bool, error) {
	value, closer, err := h.db.Get(execIndexKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.MarkTransient(err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), true, nil
}

func decodeTransaction(raw []byte) (wire.Decoded, error) {
	return wire.DecodeBytes(raw)
}

func encodeRound(round uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, round)
	return buf
}

const eventKeyPrefixByte = 'e'

func eventKey(key TransactionKey) []byte {
	buf := make([]byte, 1+8+8+8)
	buf[0] = eventKeyPrefixByte
	binary.BigEndian.PutUint64(buf[1:9], key.Round)
	binary.BigEndian.PutUint64(buf[9:17], key.SubDagIndex)
	binary.BigEndian.PutUint64(buf[17:25], key.TransactionIndex)
	return buf
}

func decodeEventKey(raw []byte) (TransactionKey, error) {
	if len(raw) != 25 || raw[0] != eventKeyPrefixByte {
		return TransactionKey{}, errs.MarkInvariant(errors.New("intake: malformed event key"))
	}
	return TransactionKey{
		Round:            binary.BigEndian.Uint64(raw[1:9]),
		SubDagIndex:      binary.BigEndian.Uint64(raw[9:17]),
		TransactionIndex: binary.BigEndian.Uint64(raw[17:25]),
	}, nil
}

func eventKeyPrefix() []byte {
	return []byte{eventKeyPrefixByte}
}

func eventKeyUpperBound() []byte {
	return []byte{eventKeyPrefixByte + 1}
}
