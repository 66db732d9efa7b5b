package crdt

import (
	"sort"
	"strings"
)

// item is one node of the causal tree. Deleted items remain as tombstones
// so that later concurrent inserts can still locate their parent.
type item struct {
	id       ID
	parent   ID
	value    rune
	deleted  bool
	children []*item
}

// Document is a single replica of a collaborative text document. It is not
// safe for concurrent use; callers serialize access (see pkg/replica).
type Document struct {
	client  uint64
	root    *item
	index   map[ID]*item
	maxSeq  map[uint64]uint64
	pending map[ID][]Op
}

// NewDocument creates an empty replica owned by the given client id.
func NewDocument(client uint64) (*Document, error) {
	if client == 0 {
		return nil, ErrInvalidClient
	}
	root := &item{id: RootID}
	return &Document{
		client:  client,
		root:    root,
		index:   map[ID]*item{RootID: root},
		maxSeq:  make(map[uint64]uint64),
		pending: make(map[ID][]Op),
	}, nil
}

// Client returns the replica's client id.
func (d *Document) Client() uint64 {
	return d.client
}

// nextID allocates the next operation ID for the local client. The
// sequence component is a Lamport clock over every client the replica has
// observed: a fresh insert always carries a higher sequence than any
// sibling it could land next to, which is what keeps insertions anchored
// at their intended position after merging.
func (d *Document) nextID() ID {
	var max uint64
	for _, seq := range d.maxSeq {
		if seq > max {
			max = seq
		}
	}
	return ID{Client: d.client, Seq: max + 1}
}

// Text renders the visible document text.
func (d *Document) Text() string {
	var b strings.Builder
	d.walk(func(it *item) {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	})
	return b.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	n := 0
	d.walk(func(it *item) {
		if !it.deleted {
			n++
		}
	})
	return n
}

// Version returns a copy of the per-client high-water marks.
func (d *Document) Version() Version {
	v := make(Version, len(d.maxSeq))
	for client, seq := range d.maxSeq {
		v[client] = seq
	}
	return v
}

// PendingOps returns the number of buffered operations whose causal
// predecessor has not arrived yet.
func (d *Document) PendingOps() int {
	n := 0
	for _, ops := range d.pending {
		n += len(ops)
	}
	return n
}

// walk visits every non-root item in document order (pre-order DFS with
// siblings in ID order). Iterative to keep deep documents off the stack.
func (d *Document) walk(fn func(*item)) {
	stack := make([]*item, 0, 16)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(it)
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
}

// visibleAt returns the item rendering at visible position pos (0-based),
// or nil when pos == -1 (head of document).
func (d *Document) visibleAt(pos int) *item {
	if pos < 0 {
		return nil
	}
	var found *item
	n := 0
	d.walk(func(it *item) {
		if it.deleted || found != nil {
			return
		}
		if n == pos {
			found = it
		}
		n++
	})
	return found
}

// Insert applies a local insert of text before visible position pos
// (0 ≤ pos ≤ Len) and returns the update to broadcast. The first new rune
// hangs off the item currently rendering at pos-1; each following rune
// hangs off its predecessor so runs stay contiguous.
func (d *Document) Insert(pos int, text string) (*Update, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return &Update{}, nil
	}
	if pos < 0 || pos > d.Len() {
		return nil, ErrInvalidPosition
	}

	parentID := RootID
	if parent := d.visibleAt(pos - 1); parent != nil {
		parentID = parent.id
	}

	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		id := d.nextID()
		op := Op{Type: OpInsert, ID: id, Parent: parentID, Value: string(r)}
		d.integrateInsert(op)
		ops = append(ops, op)
		parentID = id
	}
	return &Update{Ops: ops}, nil
}

// Delete tombstones n visible runes starting at position pos and returns
// the update to broadcast.
func (d *Document) Delete(pos, n int) (*Update, error) {
	if n <= 0 {
		return &Update{}, nil
	}
	if pos < 0 || pos+n > d.Len() {
		return nil, ErrInvalidPosition
	}

	targets := make([]*item, 0, n)
	i := 0
	d.walk(func(it *item) {
		if it.deleted {
			return
		}
		if i >= pos && i < pos+n {
			targets = append(targets, it)
		}
		i++
	})

	ops := make([]Op, 0, len(targets))
	for _, it := range targets {
		it.deleted = true
		ops = append(ops, Op{Type: OpDelete, Target: it.id})
	}
	return &Update{Ops: ops}, nil
}

// ApplyUpdate merges a remote update into the replica. Applying the same
// update twice is a no-op; operations referencing unknown items are
// buffered until their causal predecessor arrives. Malformed updates are
// rejected without touching replica state.
func (d *Document) ApplyUpdate(u *Update) error {
	if u == nil {
		return ErrMalformedUpdate
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	for _, op := range u.Ops {
		d.integrate(op)
	}
	return nil
}

func (d *Document) integrate(op Op) {
	switch op.Type {
	case OpInsert:
		if _, seen := d.index[op.ID]; seen {
			return
		}
		if _, ok := d.index[op.Parent]; !ok {
			d.defer_(op.Parent, op)
			return
		}
		d.integrateInsert(op)
		d.drainPending(op.ID)
	case OpDelete:
		it, ok := d.index[op.Target]
		if !ok {
			d.defer_(op.Target, op)
			return
		}
		it.deleted = true
	}
}

// integrateInsert links a new item under its parent, keeping siblings in
// descending ID order. The parent must already be present.
func (d *Document) integrateInsert(op Op) {
	parent := d.index[op.Parent]
	it := &item{
		id:     op.ID,
		parent: op.Parent,
		value:  []rune(op.Value)[0],
	}

	idx := sort.Search(len(parent.children), func(i int) bool {
		return !parent.children[i].id.before(it.id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = it

	d.index[op.ID] = it
	if op.ID.Seq > d.maxSeq[op.ID.Client] {
		d.maxSeq[op.ID.Client] = op.ID.Seq
	}
}

// defer_ buffers an op until the item it depends on integrates.
func (d *Document) defer_(missing ID, op Op) {
	d.pending[missing] = append(d.pending[missing], op)
}

// drainPending re-drives ops that were waiting on the freshly integrated
// item. Draining may cascade as buffered runs unlock each other.
func (d *Document) drainPending(id ID) {
	ops, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	for _, op := range ops {
		d.integrate(op)
	}
}

// Snapshot encodes the replica's full state as a single update: every item
// in document order (parents always precede their children) followed by
// tombstone markers. Merging a snapshot into any replica is the same
// idempotent operation as merging an incremental update.
func (d *Document) Snapshot() *Update {
	var inserts, deletes []Op
	d.walk(func(it *item) {
		inserts = append(inserts, Op{
			Type:   OpInsert,
			ID:     it.id,
			Parent: it.parent,
			Value:  string(it.value),
		})
		if it.deleted {
			deletes = append(deletes, Op{Type: OpDelete, Target: it.id})
		}
	})
	return &Update{Full: true, Ops: append(inserts, deletes...)}
}
