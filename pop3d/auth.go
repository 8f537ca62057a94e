package pop3d

import (
	"encoding/base64"
	"strings"
)

// decodePlain parses an AUTH PLAIN blob ("authzid\0authcid\0passwd");
// exactly three NUL-separated fields are required.
func decodePlain(b64 string) (username, password string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func encodeChallenge(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeContinuation(b64 string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
