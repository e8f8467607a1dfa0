package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/imgbak/imgbak/internal/provider"
)

const maxFilenameLen = 255

// sanitizeFilename strips characters that are illegal on common filesystems
// and caps the byte length, keeping the extension intact.
func sanitizeFilename(name string) string {
	const illegal = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(illegal, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "unnamed"
	}
	if len(out) > maxFilenameLen {
		ext := filepath.Ext(out)
		stem := strings.TrimSuffix(out, ext)
		max := maxFilenameLen - len(ext)
		if max <= 0 {
			ext = ""
			max = maxFilenameLen
		}
		for max > 0 && !utf8.ValidString(stem[:max]) {
			max--
		}
		out = stem[:max] + ext
	}
	return out
}

// destFor picks a collision-free destination under dir for obj and claims
// the name in taken. Same-named objects get a deterministic suffix derived
// from the remote key, so reruns land on the same paths.
func destFor(dir string, obj provider.RemoteObject, taken map[string]struct{}) string {
	name := sanitizeFilename(obj.Filename())
	if _, dup := taken[name]; dup {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		name = stem + "-" + keySuffix(obj.Key) + ext
		for i := 2; ; i++ {
			if _, dup := taken[name]; !dup {
				break
			}
			name = fmt.Sprintf("%s-%s-%d%s", stem, keySuffix(obj.Key), i, ext)
		}
	}
	taken[name] = struct{}{}
	return filepath.Join(dir, name)
}

// keySuffix is the first 8 hex chars of the key's sha256. Enough to keep
// distinct keys with the same display name apart.
func keySuffix(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
