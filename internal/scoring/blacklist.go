package scoring

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/somnia-labs/wallet-guardian/internal/codec"
)

// StaticBlacklist is a fixed set of normalized addresses loaded once at
// startup from a JSON array or newline-delimited text file.
type StaticBlacklist struct {
	mu   sync.RWMutex
	set  map[string]struct{}
}

// NewStaticBlacklist returns an empty blacklist.
func NewStaticBlacklist() *StaticBlacklist {
	return &StaticBlacklist{set: make(map[string]struct{})}
}

// LoadBlacklistFile loads addresses from path. It first tries to decode a
// JSON array of strings; on failure it falls back to treating the file as
// newline-delimited addresses (blank lines and lines starting with '#'
// ignored). Unparseable addresses are skipped.
func LoadBlacklistFile(path string) (*StaticBlacklist, error) {
	b := NewStaticBlacklist()
	if path == "" {
		return b, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, a := range list {
			b.add(a)
		}
		return b, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.add(line)
	}
	return b, nil
}

func (b *StaticBlacklist) add(addr string) {
	norm, err := codec.NormalizeAddress(addr)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.set[strings.ToLower(norm)] = struct{}{}
	b.mu.Unlock()
}

// Contains reports whether addr (in any case) is blacklisted.
func (b *StaticBlacklist) Contains(addr string) bool {
	norm, err := codec.NormalizeAddress(addr)
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[strings.ToLower(norm)]
	return ok
}
