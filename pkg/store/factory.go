// Package store selects the document driver serving a connection target.
package store

import (
	"fmt"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/repository/document"
	"github.com/nimburion/docservice/pkg/store/memory"
	"github.com/nimburion/docservice/pkg/store/mongodb"
)

// Driver pairs the dialer for a target with the collection handles it binds.
type Driver struct {
	Scheme        string
	Dialer        connection.Dialer
	NewCollection func(name string) document.Collection
}

// NewDriver returns the driver for the target scheme: mongodb, mongodb+srv or memory.
// Each memory driver owns its own set of databases.
func NewDriver(target connection.Target) (Driver, error) {
	switch scheme := target.Scheme(); scheme {
	case "mongodb", "mongodb+srv":
		return Driver{
			Scheme: scheme,
			Dialer: mongodb.NewDialer(),
			NewCollection: func(name string) document.Collection {
				return mongodb.NewCollection(name)
			},
		}, nil
	case memory.Scheme:
		return Driver{
			Scheme: scheme,
			Dialer: memory.NewDialer(),
			NewCollection: func(name string) document.Collection {
				return memory.NewCollection(name)
			},
		}, nil
	case "":
		return Driver{}, fmt.Errorf("connection target %q has no scheme", target.Redacted())
	default:
		return Driver{}, fmt.Errorf("unsupported connection scheme %q (supported: mongodb, mongodb+srv, memory)", scheme)
	}
}
