package client

import (
	"slices"
	"sync"

	"github.com/putto11262002/cipherchat/core"
)

// UndecryptablePlaceholder is shown in place of a message that fails to decrypt.
const UndecryptablePlaceholder = "unable to decrypt"

type Entry struct {
	Message       core.Message
	Plaintext     string
	Undecryptable bool
	arrival       uint64
}

// Text returns the plaintext, or the placeholder when the message could not be decrypted.
func (e Entry) Text() string {
	if e.Undecryptable {
		return UndecryptablePlaceholder
	}
	return e.Plaintext
}

// Reconciler merges the messages of one room arriving from the REST history,
// the direct path, the relay path and local sends into a single sequence.
// The message id is the only deduplication key: the first arrival wins.
// Entries are ordered by timestamp, then by arrival.
type Reconciler struct {
	mu       sync.Mutex
	key      core.Key
	codec    *core.Codec
	seen     map[string]struct{}
	entries  []Entry
	arrivals uint64
}

func NewReconciler(key core.Key) *Reconciler {
	return NewReconcilerWithCodec(key, core.DefaultCodec)
}

func NewReconcilerWithCodec(key core.Key, codec *core.Codec) *Reconciler {
	return &Reconciler{
		key:   key,
		codec: codec,
		seen:  make(map[string]struct{}),
	}
}

// Load inserts a bulk-loaded history and returns how many messages were new.
func (r *Reconciler) Load(messages []core.Message) int {
	n := 0
	for _, m := range messages {
		if r.Receive(m) {
			n++
		}
	}
	return n
}

// Receive decrypts and inserts a message unless its id is already present.
func (r *Reconciler) Receive(msg core.Message) bool {
	if msg.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[msg.ID]; ok {
		return false
	}

	entry := Entry{Message: msg}
	plaintext, err := r.codec.Decrypt(msg.EncryptedContent, r.key)
	if err != nil {
		entry.Undecryptable = true
	} else {
		entry.Plaintext = string(plaintext)
	}
	r.insert(entry)
	return true
}

// InsertLocal inserts a message sent by this client with its known plaintext,
// so the copies echoed back by the server are discarded.
func (r *Reconciler) InsertLocal(msg core.Message, plaintext string) bool {
	if msg.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[msg.ID]; ok {
		return false
	}
	r.insert(Entry{Message: msg, Plaintext: plaintext})
	return true
}

func (r *Reconciler) insert(entry Entry) {
	r.arrivals++
	entry.arrival = r.arrivals
	r.seen[entry.Message.ID] = struct{}{}

	i, _ := slices.BinarySearchFunc(r.entries, entry, func(e, target Entry) int {
		if c := e.Message.Timestamp.Compare(target.Message.Timestamp); c != 0 {
			return c
		}
		switch {
		case e.arrival < target.arrival:
			return -1
		case e.arrival > target.arrival:
			return 1
		}
		return 0
	})
	r.entries = slices.Insert(r.entries, i, entry)
}

func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
