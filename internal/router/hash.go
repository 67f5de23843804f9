package router

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// InputHash returns a stable BLAKE2b-256 digest of a task input. Each input
// shape is tagged so a string and a JSON document with the same bytes do not
// collide.
func InputHash(input any) string {
	var buf bytes.Buffer
	switch v := input.(type) {
	case nil:
		buf.WriteString("s:")
	case string:
		buf.WriteString("s:")
		buf.WriteString(v)
	case []Message:
		buf.WriteString("m:")
		b, _ := json.Marshal(v)
		buf.Write(b)
	case json.RawMessage:
		buf.WriteString("j:")
		if err := json.Compact(&buf, v); err != nil {
			buf.Write(v)
		}
	default:
		buf.WriteString("j:")
		b, err := json.Marshal(v)
		if err != nil {
			// Unserialisable input cannot be cached reliably; hash its
			// Go representation so identical values still agree.
			b = []byte(fmt.Sprintf("%#v", v))
		}
		buf.Write(b)
	}
	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
