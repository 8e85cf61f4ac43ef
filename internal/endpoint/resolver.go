// Package endpoint computes the ordered list of inference URLs to try.
// The primary endpoint comes first, followed by a fixed set of alternative
// URL layouts used by llama.cpp, OpenAI-compatible and Ollama-style servers.
package endpoint

import "fmt"

// Config is an immutable snapshot of the inference server settings.
type Config struct {
	BaseURL string
	Host    string
	Port    string
	Model   string
}

var alternativePaths = []string{
	"/engines/llama.cpp/v1/chat/completions",
	"/v1/chat/completions",
	"/chat/completions",
	"/api/chat",
}

// Configured reports whether a primary endpoint can be derived at all.
func (c Config) Configured() bool {
	return c.BaseURL != "" || (c.Host != "" && c.Port != "")
}

// Primary returns BaseURL verbatim when set, otherwise the engines-prefixed
// llama.cpp URL built from host and port.
func Primary(cfg Config) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return hostURL(cfg, alternativePaths[0])
}

// Alternatives returns the fallback URLs in fixed order. They are always built
// from host and port, even when BaseURL overrides the primary.
func Alternatives(cfg Config) []string {
	urls := make([]string, 0, len(alternativePaths))
	for _, path := range alternativePaths {
		urls = append(urls, hostURL(cfg, path))
	}
	return urls
}

// Candidates returns the primary followed by the alternatives, deduplicated.
func Candidates(cfg Config) []string {
	return Dedupe(append([]string{Primary(cfg)}, Alternatives(cfg)...))
}

// Dedupe removes repeated URLs, keeping the first occurrence of each.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func hostURL(cfg Config, path string) string {
	return fmt.Sprintf("http://%s:%s%s", cfg.Host, cfg.Port, path)
}
