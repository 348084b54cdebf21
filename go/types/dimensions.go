package types

import (
	"fmt"
	"regexp"
	"sort"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"
)

// Dimensions is a multi-valued capability map, eg. {"os": ["Linux",
// "Ubuntu-24.04"], "pool": ["Skia"]}. Bots advertise Dimensions; task slices
// require them.
type Dimensions map[string][]string

// DimID is the dimension key which holds the bot's unique ID.
const DimID = "id"

// DimPool is the dimension key which names the scheduling pool.
const DimPool = "pool"

var dimensionKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)

// Copy returns a deep copy.
func (d Dimensions) Copy() Dimensions {
	if d == nil {
		return nil
	}
	rv := make(Dimensions, len(d))
	for k, v := range d {
		rv[k] = util.CopyStringSlice(v)
	}
	return rv
}

// Contains returns true if, for every key in req, d advertises every required
// value. An empty req matches everything.
func (d Dimensions) Contains(req Dimensions) bool {
	for k, values := range req {
		have, ok := d[k]
		if !ok {
			return false
		}
		for _, v := range values {
			if !util.In(v, have) {
				return false
			}
		}
	}
	return true
}

// Flatten returns the sorted "key:value" pairs, one per value. The result is
// canonical and therefore usable as a hash input.
func (d Dimensions) Flatten() []string {
	rv := make([]string, 0, len(d))
	for k, values := range d {
		for _, v := range values {
			rv = append(rv, fmt.Sprintf("%s:%s", k, v))
		}
	}
	sort.Strings(rv)
	return rv
}

// BotID returns the bot ID dimension, or "" if not present.
func (d Dimensions) BotID() string {
	if ids := d[DimID]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Validate returns an error if any key or value is malformed or if the map
// is empty.
func (d Dimensions) Validate() error {
	if len(d) == 0 {
		return skerr.Fmt("at least one dimension is required")
	}
	for k, values := range d {
		if !dimensionKeyRe.MatchString(k) {
			return skerr.Fmt("invalid dimension key %q", k)
		}
		if len(values) == 0 {
			return skerr.Fmt("dimension %q has no values", k)
		}
		for _, v := range values {
			if v == "" || len(v) > 256 {
				return skerr.Fmt("invalid value for dimension %q", k)
			}
		}
	}
	return nil
}
