package objectstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// frameDomainKey separates frame content hashes from any other use of
// BLAKE3 over the same bytes.
var frameDomainKey = [32]byte{
	'p', 'p', 'e', 'w', 'a', 't', 'c', 'h', '.', 'f', 'r', 'a', 'm', 'e',
}

// ContentRef returns a short content address for an encoded frame.
func ContentRef(data []byte) string {
	hasher, err := blake3.NewKeyed(frameDomainKey[:])
	if err != nil {
		panic("objectstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	sum := hasher.Sum(nil)
	return "frm-" + hex.EncodeToString(sum[:8])
}

// FrameKey returns the object key of an annotated frame artifact.
func FrameKey(prefix, sessionID string, data []byte) string {
	return prefix + sessionID + "/" + ContentRef(data) + ".jpg"
}
