// prefix tree for router logic, it is not acessible from upper packages so use an abstraction: Router
package router

import (
	"bytes"
)

// tree node
type node struct {
	prefix  []byte
	ch      []node // children in flat area for data locality to not miss the cache
	handle  Handle // nil for inner nodes
	isparam bool   // is node prefix param?
}

// insert node to tree that means link path and handler
func (n *node) insert(path []byte, h Handle) {
	// cut first slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	cur := n
	// split our url to segments /api/handler -> {api, handler}
	for s := range bytes.SplitSeq(path, []byte("/")) {
		// skip empty route (/)
		if len(s) == 0 {
			continue
		}

		// params starting from : (:id, :name)
		isparam, pref := s[0] == ':', s
		if isparam {
			pref = s[1:]
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			if cur.ch[i].isparam == isparam && bytes.Equal(cur.ch[i].prefix, pref) {
				idx = i
				break
			}
		}

		// if no target -> make new node
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: bytes.Clone(pref), isparam: isparam})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	// set node handler
	cur.handle = h
}

// find matches the path and collects params into ps,
// static children win over params, a failed param branch is rolled back
func (n *node) find(fp []byte, ps *Params) Handle {
	if len(fp) > 0 && fp[0] == '/' {
		fp = fp[1:]
	}

	if len(fp) == 0 {
		return n.handle
	}
	for i := range n.ch {
		c := &n.ch[i]
		if !c.isparam && bytes.HasPrefix(fp, c.prefix) {
			rem := fp[len(c.prefix):]
			if len(rem) == 0 || rem[0] == '/' {
				if h := c.find(rem, ps); h != nil {
					return h
				}
			}
		}
	}

	for i := range n.ch {
		c := &n.ch[i]
		if c.isparam {
			end := bytes.IndexByte(fp, '/')
			if end == -1 {
				end = len(fp)
			}
			if end == 0 {
				continue
			}

			mark := len(*ps)
			if mark < cap(*ps) {
				*ps = append(*ps, Param{Key: c.prefix, Val: fp[:end]})
			}

			if h := c.find(fp[end:], ps); h != nil {
				return h
			}

			*ps = (*ps)[:mark]
		}
	}

	return nil
}
