// Package zid creates record ids. Ids are xids in their string form and sort
// by creation time.
package zid

import (
	"github.com/rs/xid"
)

// NewString returns a new id in the form stored in id columns.
func NewString() string {
	return xid.New().String()
}
