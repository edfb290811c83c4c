package prompt

import (
	_ "embed"
	"strings"
)

//go:embed template/system.txt
var systemRaw string

// System returns the storefront assistant instruction. The text is used as an
// FString template, so it must not contain braces.
func System() string {
	return strings.TrimSpace(systemRaw)
}
