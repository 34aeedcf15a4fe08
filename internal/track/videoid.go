package track

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// VideoID creates a deterministic identifier for a video file based on its
// path, size, and modification time, so repeated runs over the same file
// share journal history.
func VideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
