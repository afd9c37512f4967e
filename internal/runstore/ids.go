package runstore

import "github.com/oklog/ulid/v2"

// NewRunID mints a lexicographically sortable run id.
func NewRunID() string { return "r_" + ulid.Make().String() }

// NewTickID mints a tick id.
func NewTickID() string { return "t_" + ulid.Make().String() }

// NewBundleID mints a fixture bundle id.
func NewBundleID() string { return "fb_" + ulid.Make().String() }
