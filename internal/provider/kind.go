package provider

import "fmt"

// Kind names one backend in the closed enumeration. CLI input goes through
// ParseKind, so free-form strings never reach the registry.
type Kind string

const (
	OSS    Kind = "oss"
	COS    Kind = "cos"
	Azure  Kind = "azure"
	SMMS   Kind = "smms"
	Imgur  Kind = "imgur"
	GitHub Kind = "github"
)

// Kinds returns all backend kinds in canonical order.
func Kinds() []Kind {
	return []Kind{OSS, COS, Azure, SMMS, Imgur, GitHub}
}

// ParseKind validates a user-supplied provider name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case OSS, COS, Azure, SMMS, Imgur, GitHub:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider %q (known: %s)", s, kindList())
}

func kindList() string {
	out := ""
	for i, k := range Kinds() {
		if i > 0 {
			out += ", "
		}
		out += string(k)
	}
	return out
}

func (k Kind) String() string { return string(k) }
