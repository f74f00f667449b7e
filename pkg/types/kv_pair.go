package types

type KVPair struct {
	Key      string
	Value    string
	Revision int64
}

type KVPairList struct {
	KVPairs  []*KVPair
	Revision int64
}

type KeyData interface {
	Key() string
	Serialize() (*KVPair, error)
	UpdateTs()
}
