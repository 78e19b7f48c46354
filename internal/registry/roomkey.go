package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var moods = []string{
	"calm", "brisk", "mellow", "lively", "quiet", "sunny", "breezy", "snug", "bright", "gentle",
	"merry", "plucky", "dreamy", "steady", "humble", "nimble", "rosy", "frosty", "misty", "golden",
}

var creatures = []string{
	"otter", "heron", "badger", "lynx", "wren", "marmot", "gecko", "puffin", "walrus", "ibis",
	"bison", "koala", "finch", "newt", "tapir", "yak", "mole", "crane", "seal", "moth",
}

var places = []string{
	"harbor", "meadow", "canyon", "lagoon", "orchard", "summit", "glade", "delta", "grove", "tundra",
	"reef", "prairie", "fjord", "dune", "marsh", "valley", "cove", "ridge", "island", "plateau",
}

var things = []string{
	"lantern", "teapot", "compass", "kettle", "banjo", "pebble", "ribbon", "anchor", "quill", "acorn",
	"drum", "button", "candle", "marble", "kite", "harp", "spindle", "thimble", "trumpet", "locket",
}

// NewRoomKey picks an unused, easy to read room key of the form
// mood-creature-place-thing.
func (r *Registry) NewRoomKey() string {
	for {
		key := strings.Join([]string{
			pick(moods),
			pick(creatures),
			pick(places),
			pick(things),
		}, "-")
		if r.lookupRoom(key) == nil {
			return key
		}
	}
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		panic(fmt.Sprintf("room key: reading random source: %v", err))
	}
	return words[n.Int64()]
}
