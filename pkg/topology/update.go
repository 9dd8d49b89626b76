package topology

// Update is the wire form of a View, attached to responses when the requester's view is stale.
type Update struct {
	ID          int64             `json:"id"           msgpack:"id"`
	HashVersion int               `json:"hash_version" msgpack:"hash_version"`
	Owners      [][]string        `json:"owners"       msgpack:"owners"`
	Members     map[string]string `json:"members"      msgpack:"members"`
}

// ToUpdate converts the view to its wire form.
func (v *View) ToUpdate() *Update {
	owners := make([][]string, len(v.owners))
	for i := range v.owners {
		owners[i] = v.Owners(i)
	}

	return &Update{ID: v.id, HashVersion: v.hashVersion, Owners: owners, Members: v.Members()}
}

// FromUpdate rebuilds a view from its wire form. A nil update yields nil.
func FromUpdate(u *Update) *View {
	if u == nil {
		return nil
	}

	return NewView(u.ID, u.HashVersion, u.Owners, u.Members)
}
