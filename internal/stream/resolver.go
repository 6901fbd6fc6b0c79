package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// defaultResolveTimeout bounds one extractor subprocess invocation.
const defaultResolveTimeout = 30 * time.Second

// Resolver turns a user-supplied source URL into something ffmpeg can open
// directly. CanResolve is a cheap gate; Resolve may shell out.
type Resolver interface {
	Name() string
	CanResolve(sourceURL string) bool
	Resolve(ctx context.Context, sourceURL string) (string, error)
}

// ResolverChain tries its resolvers in order and falls back to the original
// URL when none of them succeeds. Resolution never fails outright: a source
// nothing could improve is handed to ffmpeg as-is.
type ResolverChain struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// NewResolverChain builds a chain over the given resolvers.
func NewResolverChain(logger *slog.Logger, resolvers ...Resolver) *ResolverChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResolverChain{resolvers: resolvers, logger: logger}
}

// Resolve returns the first successful resolution, or sourceURL unchanged.
func (c *ResolverChain) Resolve(ctx context.Context, sourceURL string) string {
	for _, resolver := range c.resolvers {
		if !resolver.CanResolve(sourceURL) {
			continue
		}
		resolved, err := resolver.Resolve(ctx, sourceURL)
		if err != nil {
			c.logger.Warn("source resolution failed, trying next strategy",
				"resolver", resolver.Name(), "error", err)
			continue
		}
		if resolved != "" {
			return resolved
		}
	}
	return sourceURL
}

// ExtractorResolver resolves hosted-video page URLs to direct media URLs by
// running an external extractor such as yt-dlp. The extractor is expected to
// print the media URL on stdout.
type ExtractorResolver struct {
	binary  string
	args    []string
	hosts   []string
	timeout time.Duration
	runner  commandRunner
}

type commandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func runExtractorCommand(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// NewExtractorResolver builds a resolver that shells out to binary for URLs
// whose host matches one of hosts (subdomains included). The default
// invocation is `<binary> -g --no-playlist <url>`.
func NewExtractorResolver(binary string, hosts []string) *ExtractorResolver {
	if binary == "" {
		binary = "yt-dlp"
	}
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	return &ExtractorResolver{
		binary:  binary,
		args:    []string{"-g", "--no-playlist"},
		hosts:   normalized,
		timeout: defaultResolveTimeout,
		runner:  runExtractorCommand,
	}
}

func (r *ExtractorResolver) Name() string { return "extractor" }

// CanResolve reports whether sourceURL's host is one of the configured
// video-hosting domains.
func (r *ExtractorResolver) CanResolve(sourceURL string) bool {
	parsed, err := url.Parse(sourceURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, candidate := range r.hosts {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// Resolve runs the extractor and returns the first line of its output.
func (r *ExtractorResolver) Resolve(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.args...), sourceURL)
	output, err := r.runner(ctx, r.binary, args...)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", r.binary, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("extractor returned no media URL")
	}
	if _, err := url.ParseRequestURI(line); err != nil {
		return "", fmt.Errorf("extractor returned malformed URL: %w", err)
	}
	return line, nil
}

// PassthroughResolver accepts every URL and returns it unchanged. It is the
// chain's terminal fallback.
type PassthroughResolver struct{}

func (PassthroughResolver) Name() string { return "passthrough" }
func (PassthroughResolver) CanResolve(string) bool { return true }
func (PassthroughResolver) Resolve(_ context.Context, sourceURL string) (string, error) {
	return sourceURL, nil
}
