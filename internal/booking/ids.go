package booking

import (
	"strings"

	"github.com/google/uuid"
)

var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("labassist"))

// DeriveID returns a name-based UUID for parts. Equal parts always give the
// same ID, which keeps replays byte-identical.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(idSpace, []byte(strings.Join(parts, "/"))).String()
}
