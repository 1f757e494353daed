package protocol

import (
	"fmt"

	"github.com/piton322/kvcached/store"
)

// Response tokens. The server appends exactly one trailing "\r\n" to
// whatever Executor.Execute returns, so none of these carry one themselves
// except the embedded separators within a VALUE block's own multi-line
// body.
const (
	respStored    = "STORED"
	respNotStored = "NOT_STORED"
	respDeleted   = "DELETED"
	respNotFound  = "NOT_FOUND"
)

// Executor runs a parsed Header (plus its body, if any) against storage and
// produces the result bytes the server will append "\r\n" to. It is the
// pluggable collaborator the connection read pipeline drives; the grammar
// above is intentionally minimal.
type Executor interface {
	Execute(h Header, arg []byte) []byte
}

// StoreExecutor implements Executor against a store.Storage, using the
// SET/ADD/GET/DELETE grammar in this package.
type StoreExecutor struct {
	Storage store.Storage
}

func NewStoreExecutor(s store.Storage) *StoreExecutor {
	return &StoreExecutor{Storage: s}
}

func (x *StoreExecutor) Execute(h Header, arg []byte) []byte {
	switch h.Kind {
	case KindSet:
		if x.Storage.Put(h.Key, string(arg)) {
			return []byte(respStored)
		}
		return []byte(respNotStored)
	case KindAdd:
		if x.Storage.PutIfAbsent(h.Key, string(arg)) {
			return []byte(respStored)
		}
		return []byte(respNotStored)
	case KindDelete:
		if x.Storage.Delete(h.Key) {
			return []byte(respDeleted)
		}
		return []byte(respNotFound)
	case KindGet:
		v, ok := x.Storage.Get(h.Key)
		if !ok {
			return []byte(respNotFound)
		}
		return []byte(fmt.Sprintf("VALUE %s %d\r\n%s\r\nEND", h.Key, len(v), v))
	default:
		return []byte(respNotFound)
	}
}
