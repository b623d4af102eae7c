package model

// Persistable is anything the mutation tracker can encode into a record.
type Persistable interface {
	ObjectID() string
}

var (
	_ Persistable = (*Document)(nil)
	_ Persistable = (*Slide)(nil)
	_ Persistable = (*Presenter)(nil)
	_ Persistable = (*MediaObject)(nil)
)

// DirtySet is an insertion-ordered set of object handles. It stores handles,
// not snapshots, so the state encoded at persist time is always the latest.
type DirtySet struct {
	items []Persistable
	index map[Persistable]struct{}
}

// Add inserts p and reports whether it was new.
func (d *DirtySet) Add(p Persistable) bool {
	if d.index == nil {
		d.index = make(map[Persistable]struct{})
	}
	if _, ok := d.index[p]; ok {
		return false
	}
	d.index[p] = struct{}{}
	d.items = append(d.items, p)
	return true
}

func (d *DirtySet) Contains(p Persistable) bool {
	_, ok := d.index[p]
	return ok
}

func (d *DirtySet) Remove(p Persistable) {
	if _, ok := d.index[p]; !ok {
		return
	}
	delete(d.index, p)
	for i, item := range d.items {
		if item == p {
			d.items = append(d.items[:i:i], d.items[i+1:]...)
			break
		}
	}
}

func (d *DirtySet) Len() int {
	return len(d.items)
}

// Items returns a copy of the members in insertion order.
func (d *DirtySet) Items() []Persistable {
	return append([]Persistable(nil), d.items...)
}

// Swap empties the set and returns its former members.
func (d *DirtySet) Swap() []Persistable {
	items := d.items
	d.items = nil
	d.index = nil
	return items
}
