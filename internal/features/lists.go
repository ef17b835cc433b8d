package features

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Lists holds the lure keywords and high-risk TLDs the extractor matches
// against. It is data, not logic: operators can replace either list with
// LoadLists.
type Lists struct {
	Keywords  []string `json:"keywords"`
	RiskyTLDs []string `json:"riskyTlds"`
}

var defaultKeywords = []string{
	"encrypt", "decrypt", "secure", "update", "verify", "account", "login",
	"free", "download", "wallet", "crypto", "bitcoin", "password", "banking",
	"invoice", "payment", "support", "confirm", "unlock",
}

var defaultRiskyTLDs = []string{
	"ru", "cn", "tk", "xyz", "top", "pw", "cc", "ws", "info", "work", "click",
	"link", "loan", "date", "racing", "gq", "ml", "ga", "cf",
}

// DefaultLists returns a copy of the built-in lists.
func DefaultLists() Lists {
	return Lists{
		Keywords:  append([]string(nil), defaultKeywords...),
		RiskyTLDs: append([]string(nil), defaultRiskyTLDs...),
	}
}

// LoadLists reads a JSON lists file. A list missing from the file keeps its
// default value.
func LoadLists(path string) (Lists, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Lists{}, fmt.Errorf("read feature lists: %w", err)
	}

	var raw Lists
	if err := json.Unmarshal(data, &raw); err != nil {
		return Lists{}, fmt.Errorf("unmarshal feature lists: %w", err)
	}

	lists := DefaultLists()
	if raw.Keywords != nil {
		lists.Keywords = raw.Keywords
	}
	if raw.RiskyTLDs != nil {
		lists.RiskyTLDs = raw.RiskyTLDs
	}
	return lists, nil
}
