// Package mongoutils contains utilities for keeping call documents in MongoDB.
package mongoutils

import (
	"fmt"
	"sync"

	"go.viam.com/callsignal"
)

var (
	namespaces    = map[*string][]*string{}
	namespacesMu  sync.Mutex
	oldNamespaces = map[RandomizedName][]RandomizedName{}
)

// RegisterNamespace globally registers the given database and collection as in use
// with MongoDB. Registering the same pointers again is a no-op but registering a
// different pointer with the same collection name in one database is an error.
func RegisterNamespace(db, coll *string) error {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()
	colls := namespaces[db]
	for _, existingColl := range colls {
		if coll == existingColl {
			return nil
		}
		if *coll == *existingColl {
			return fmt.Errorf("%q defined in more than one locations", *coll)
		}
	}
	namespaces[db] = append(colls, coll)
	return nil
}

// MustRegisterNamespace ensures the given database and collection can be registered
// and panics otherwise.
func MustRegisterNamespace(db, coll *string) {
	if err := RegisterNamespace(db, coll); err != nil {
		panic(err)
	}
}

// A RandomizedName remembers where a registered name pointed before randomization.
type RandomizedName struct {
	Ptr  *string
	From string
	To   string
}

func getNamespaces() map[string][]string {
	namespacesCopy := map[string][]string{}
	for db, colls := range namespaces {
		namespacesCopy[*db] = nil
		for _, coll := range colls {
			namespacesCopy[*db] = append(namespacesCopy[*db], *coll)
		}
	}
	return namespacesCopy
}

// Namespaces returns a copy of all registered namespaces.
func Namespaces() map[string][]string {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()
	return getNamespaces()
}

// RandomizeNamespaces remaps all registered namespaces so that test data lands in
// throwaway databases. The returned restore function puts the original names back.
func RandomizeNamespaces() (newNamespaces map[string][]string, restore func()) {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()

	for db, colls := range namespaces {
		newDBName := RandomizedName{Ptr: db, From: *db, To: "test-" + callsignal.RandomAlphaString(5)}
		oldNamespaces[newDBName] = nil
		for _, coll := range colls {
			newCollName := RandomizedName{Ptr: coll, From: *coll, To: callsignal.RandomAlphaString(5)}
			oldNamespaces[newDBName] = append(oldNamespaces[newDBName], newCollName)
			*coll = newCollName.To
		}
		*db = newDBName.To
	}
	return getNamespaces(), func() {
		namespacesMu.Lock()
		defer namespacesMu.Unlock()
		for db, colls := range oldNamespaces {
			*db.Ptr = db.From
			for _, coll := range colls {
				*coll.Ptr = coll.From
			}
		}
		oldNamespaces = map[RandomizedName][]RandomizedName{}
	}
}
