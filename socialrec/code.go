package socialrec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// codeDigits is the length of the code the customer shares with contacts.
const codeDigits = 8

var codeSpace = big.NewInt(100_000_000)

// words is the list counter verification words are drawn from.
var words = [...]string{
	"anchor", "badger", "banjo", "beacon", "birch", "bison", "canyon",
	"cedar", "cobalt", "comet", "coral", "cricket", "delta", "dune",
	"ember", "falcon", "fern", "fjord", "flint", "garnet", "glacier",
	"harbor", "hazel", "heron", "indigo", "island", "jasper", "juniper",
	"kelp", "kestrel", "lagoon", "lantern", "lichen", "lotus", "maple",
	"marble", "meadow", "mesa", "nectar", "nickel", "oasis", "onyx",
	"orchid", "otter", "pebble", "pepper", "pine", "quartz", "quill",
	"raven", "reef", "saffron", "sequoia", "sierra", "tundra", "thistle",
	"umber", "valley", "violet", "walnut", "willow", "yarrow", "zenith",
	"zephyr",
}

// NewCode returns a random numeric code to be shared with trusted contacts
// out of band.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// HashCode returns the digest the server uses to look a challenge up by
// code.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// CounterVerificationWord derives the word both the customer and the contact
// see for a code. Matching words confirm they are in the same session.
func CounterVerificationWord(code string) string {
	digest := sha256.Sum256(append([]byte("lnrecover/social/word"), code...))
	idx := binary.BigEndian.Uint32(digest[:4]) % uint32(len(words))

	return words[idx]
}
