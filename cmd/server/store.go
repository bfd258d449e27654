package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"citysim.ai/internal/persistence/recordstore"
)

// storeSpec picks the record store from CS_STORE: a postgres:// URL, a
// sqlite path, or empty for <data>/citysim.sqlite.
func storeSpec(dataDir string) string {
	spec := strings.TrimSpace(os.Getenv("CS_STORE"))
	if spec == "" {
		return filepath.Join(dataDir, "citysim.sqlite")
	}
	return spec
}

func openStore(spec string, logger *log.Logger) (*recordstore.SQLStore, error) {
	st, err := recordstore.Open(spec, logger)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", redact(spec), err)
	}
	return st, nil
}

// redact hides the password of a postgres URL in logs.
func redact(spec string) string {
	i := strings.Index(spec, "://")
	if i < 0 {
		return spec
	}
	at := strings.LastIndex(spec, "@")
	if at < i {
		return spec
	}
	userinfo := spec[i+3 : at]
	if c := strings.Index(userinfo, ":"); c >= 0 {
		return spec[:i+3] + userinfo[:c] + ":***" + spec[at:]
	}
	return spec
}
