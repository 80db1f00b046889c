// Package db provides the database driver dispatch.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/store"
	"github.com/hrygo/wxbridge/store/db/sqlite"
)

// NewDBDriver creates the store driver based on the profile. The bridge owns
// a single embedded database; sqlite is the only driver.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	driver, err := sqlite.NewDB(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
