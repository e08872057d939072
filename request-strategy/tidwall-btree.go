package requestStrategy

import (
	"github.com/tidwall/btree"
)

// Ordered set of the group keys that currently have members.
type tidwallBtree struct {
	tree     *btree.BTreeG[groupKey]
	PathHint btree.PathHint
}

func (me *tidwallBtree) Scan(f func(groupKey) bool) {
	me.tree.Scan(f)
}

func newTidwallBtree() *tidwallBtree {
	return &tidwallBtree{
		tree: btree.NewBTreeGOptions(
			func(a, b groupKey) bool {
				return groupKeyLess(a, b).Less()
			},
			btree.Options{NoLocks: true}),
	}
}

func (me *tidwallBtree) Add(item groupKey) {
	if _, ok := me.tree.SetHint(item, &me.PathHint); ok {
		panic("shouldn't already have this")
	}
}

func (me *tidwallBtree) Delete(item groupKey) {
	_, deleted := me.tree.DeleteHint(item, &me.PathHint)
	if !deleted {
		panic(item)
	}
}

func (me *tidwallBtree) Len() int {
	return me.tree.Len()
}
