package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/galdor/go-telemetry/pkg/store"
)

type Slot int

const (
	// SlotBeat holds the leadership lease; SlotElection serializes
	// candidates racing for a vacant SlotBeat.
	SlotBeat     Slot = 1
	SlotElection Slot = 2
)

func (s Slot) String() string {
	switch s {
	case SlotBeat:
		return "beat"
	case SlotElection:
		return "election"
	default:
		return fmt.Sprintf("slot-%d", int(s))
	}
}

type Lease struct {
	Owner  CandidateId
	Expiry time.Time
}

// IsLive reports whether the lease is held at a given time. A lease is
// absent once its expiry is reached.
func (l Lease) IsLive(now time.Time) bool {
	return l.Owner != "" && now.Before(l.Expiry)
}

func (l Lease) Encode() string {
	return fmt.Sprintf("%s %d", l.Owner, toMilliseconds(l.Expiry))
}

func ParseLease(s string) (Lease, error) {
	owner, expiryString, found := strings.Cut(s, " ")
	if !found || owner == "" {
		return Lease{}, fmt.Errorf("invalid format")
	}

	expiry, err := strconv.ParseInt(expiryString, 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("invalid expiry %q", expiryString)
	}

	lease := Lease{
		Owner:  CandidateId(owner),
		Expiry: fromMilliseconds(expiry),
	}

	return lease, nil
}

// LeaseStore gives access to the two lease slots of a candidate pool.
// ReadLease returns a zero Lease for an empty slot; liveness is left to the
// caller.
type LeaseStore interface {
	ReadLease(Slot) (Lease, error)
	WriteLease(Slot, Lease) error
	ClearLease(Slot) error
}

// StoreLeases keeps lease slots in a shared store under
// "<prefix>.leader.beat" and "<prefix>.leader.election".
type StoreLeases struct {
	Store store.Store
	Log   Logger

	keys map[Slot]string
}

func NewStoreLeases(s store.Store, prefix string, logger Logger) *StoreLeases {
	return &StoreLeases{
		Store: s,
		Log:   logger,

		keys: map[Slot]string{
			SlotBeat:     prefix + ".leader.beat",
			SlotElection: prefix + ".leader.election",
		},
	}
}

func (ls *StoreLeases) Key(slot Slot) string {
	key, found := ls.keys[slot]
	if !found {
		Panicf("unknown lease slot %v", slot)
	}

	return key
}

func (ls *StoreLeases) ReadLease(slot Slot) (Lease, error) {
	key := ls.Key(slot)

	value, found, err := ls.Store.Get(key)
	if err != nil {
		return Lease{}, fmt.Errorf("cannot read lease %v: %w", slot, err)
	}

	if !found || value == "" {
		return Lease{}, nil
	}

	lease, err := ParseLease(value)
	if err != nil {
		ls.Log.Debug(1, "ignoring malformed lease %q in %q: %v", value, key, err)
		return Lease{}, nil
	}

	return lease, nil
}

func (ls *StoreLeases) WriteLease(slot Slot, lease Lease) error {
	if err := ls.Store.Set(ls.Key(slot), lease.Encode()); err != nil {
		return fmt.Errorf("cannot write lease %v: %w", slot, err)
	}

	return nil
}

func (ls *StoreLeases) ClearLease(slot Slot) error {
	if err := ls.Store.Set(ls.Key(slot), ""); err != nil {
		return fmt.Errorf("cannot clear lease %v: %w", slot, err)
	}

	return nil
}
