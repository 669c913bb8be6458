// Package static provides a fixed seed list, typically from flags.
package static

import (
    "strings"

    "github.com/amirimatin/go-raftgate/pkg/discovery"
)

type fixed struct {
    seeds []string
}

func (f *fixed) Seeds() []string { return append([]string(nil), f.seeds...) }

// New returns a Discovery that always reports the given seeds. Blank entries
// are dropped.
func New(seeds ...string) discovery.Discovery {
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        if s = strings.TrimSpace(s); s != "" {
            out = append(out, s)
        }
    }
    return &fixed{seeds: out}
}

// Parse splits a comma-separated seed list.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
