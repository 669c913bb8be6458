// Package file reads seed addresses from a file or an environment variable,
// with mtime-based caching so hot paths do not stat on every call.
package file

import (
    "bufio"
    "os"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file with one seed per line; lines may also hold
    // comma-separated lists, and # starts a comment.
    Path string
    // Env names an environment variable that overrides the file when set.
    Env string
    // Refresh bounds cache staleness. Default 5s.
    Refresh time.Duration
}

type source struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 {
        opts.Refresh = 5 * time.Second
    }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()

    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
            return splitSeeds(v)
        }
    }
    if s.opts.Path == "" {
        return nil
    }
    stat, err := os.Stat(s.opts.Path)
    if err != nil {
        // Keep serving the last good set across transient stat failures.
        return append([]string(nil), s.cache...)
    }
    now := time.Now()
    if stat.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
        s.cache = readSeedFile(s.opts.Path)
        s.last = now
        s.mtime = stat.ModTime()
    }
    return append([]string(nil), s.cache...)
}

func readSeedFile(path string) []string {
    f, err := os.Open(path)
    if err != nil {
        return nil
    }
    defer f.Close()

    set := make(map[string]struct{})
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") {
            continue
        }
        for _, p := range splitSeeds(line) {
            set[p] = struct{}{}
        }
    }
    if err := sc.Err(); err != nil {
        return nil
    }
    out := make([]string, 0, len(set))
    for v := range set {
        out = append(out, v)
    }
    sort.Strings(out)
    return out
}

func splitSeeds(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
