// Package main is the kensaku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cli"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/server"
	"github.com/hyperjump/kensaku/internal/session"
	"github.com/hyperjump/kensaku/internal/watcher"
	"github.com/hyperjump/kensaku/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kensaku/config.yaml"
	// serverEnv names the environment variable holding the default --server URL.
	serverEnv = "KENSAKU_SERVER"
)

// loadConfig loads config from path. When path is the default, a config.yaml in the current
// directory wins, and a missing default file yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := config.Default()
			cwd, _ := os.Getwd()
			cfg.ResolvePaths(cwd)
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// A .env next to the project may carry OPENAI_API_KEY and KENSAKU_SERVER.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "related":
		runRelated(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("kensaku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// commonFlags are shared by every subcommand that may open a project locally.
type commonFlags struct {
	configPath *string
	project    *string
	debug      *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path"),
		project:    fs.String("project", ".", "project root directory"),
		debug:      fs.Bool("debug", false, "enable debug logging"),
	}
}

func addServerFlag(fs *flag.FlagSet) *string {
	return fs.String("server", os.Getenv(serverEnv), "server URL (empty = open the project directly)")
}

// local is a project opened in-process.
type local struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	embedder   embedding.Embedder
	session    *session.Session
}

// openLocal loads the config, builds the embedder and opens the project. CLI mode logs
// human-readable lines to stderr; the server logs JSON.
func openLocal(ctx context.Context, flags commonFlags, serverMode bool) *local {
	cfg, resolved, err := loadConfig(*flags.configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debug := cfg.Debug || *flags.debug
	var logger *zap.Logger
	if serverMode {
		logger, err = utils.NewLogger(debug)
	} else {
		logger, err = utils.NewCLILogger(debug)
	}
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debug))

	emb, err := embedding.FromConfig(cfg.Embedding)
	if err != nil {
		fatalf("Failed to create embedder: %v", err)
	}
	sess, err := session.Open(ctx, cfg, *flags.project, emb, session.WithLogger(logger))
	if err != nil {
		_ = emb.Close()
		fatalf("Failed to open project: %v", err)
	}
	return &local{cfg: cfg, configPath: resolved, logger: logger, embedder: emb, session: sess}
}

func (l *local) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.session.Close(ctx); err != nil {
		l.logger.Warn("close project failed", zap.Error(err))
	}
	_ = l.embedder.Close()
	_ = l.logger.Sync()
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	flags := addCommonFlags(fs)
	watch := fs.Bool("watch", true, "watch the project for changes")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := openLocal(ctx, flags, true)
	defer l.Close()
	sess := l.session
	opts := []server.Option{server.WithLogger(l.logger), server.WithConfigPath(l.configPath)}

	if *watch {
		dirs := l.cfg.Watch.Directories
		if len(dirs) == 0 {
			dirs = []string{sess.Root}
		}
		w := watcher.NewWatcher(dirs,
			func(path string) {
				if err := sess.SubmitFile(ctx, path); err != nil {
					l.logger.Warn("watch ingest failed", zap.String("path", path), zap.Error(err))
				}
			},
			func(path string) {
				if err := sess.SubmitRemoval(ctx, path); err != nil {
					l.logger.Warn("watch removal failed", zap.String("path", path), zap.Error(err))
				}
			},
			watcher.WithLogger(l.logger),
			watcher.WithExtensions(l.cfg.Watch.Extensions),
			watcher.WithRecursive(l.cfg.Watch.RecursiveOrDefault()),
			watcher.WithGitignore(l.cfg.Watch.GitignoreOrDefault()),
			watcher.WithDebounce(l.cfg.Watch.Debounce),
		)
		if err := w.Start(ctx); err != nil {
			l.logger.Error("failed to start watcher", zap.Error(err))
			return
		}
		defer w.Stop()
		go w.SyncExistingFiles()
		opts = append(opts, server.WithWatch(w))
	}

	srv := server.NewServer(sess, l.cfg, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	l.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	flags := addCommonFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("Usage: kensaku index [flags] <directory>")
	}
	dir := fs.Arg(0)
	if !isFlagSet(fs, "project") {
		*flags.project = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	l := openLocal(ctx, flags, false)
	defer l.Close()

	lister := watcher.NewWatcher(nil, nil, nil,
		watcher.WithExtensions(l.cfg.Watch.Extensions),
		watcher.WithGitignore(l.cfg.Watch.GitignoreOrDefault()))
	paths, err := lister.Files(dir)
	if err != nil {
		l.logger.Error("list files failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	n, err := l.session.IngestFiles(ctx, paths)
	if err != nil {
		l.logger.Warn("some files failed to index", zap.Error(err))
	}
	pruned := pruneMissing(ctx, l.session, paths)
	fmt.Printf("Indexed %d file(s) from %s", n, dir)
	if pruned > 0 {
		fmt.Printf(", removed %d deleted file(s)", pruned)
	}
	fmt.Println()
}

// pruneMissing removes stored files that were not listed and no longer exist on disk.
func pruneMissing(ctx context.Context, sess *session.Session, listed []string) int {
	seen := make(map[string]bool, len(listed))
	for _, p := range listed {
		seen[sess.RelPath(p)] = true
	}
	files, err := sess.Store.AllFiles(ctx)
	if err != nil {
		return 0
	}
	removed := 0
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		abs := f.Path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(sess.Root, filepath.FromSlash(abs))
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			if sess.RemoveFile(ctx, f.Path) == nil {
				removed++
			}
		}
	}
	return removed
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kensaku search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Pasting a code snippet works best.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  kensaku search parse config file
  kensaku search --scope internal/storage --kind function "open database"
  kensaku search --context Lexer,Token --top-k 5 "func Parse(src string)"
  kensaku search --output json "retry with backoff"
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// splitList splits comma-separated flag values, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// buildCodeQuery assembles a query from the search flags.
func buildCodeQuery(text, scope, kinds, symbols string, topK int) models.CodeQuery {
	q := models.CodeQuery{
		Query:        text,
		ProjectScope: splitList(scope),
		TopK:         topK,
		Context:      splitList(symbols),
	}
	for _, k := range splitList(kinds) {
		q.Kinds = append(q.Kinds, models.NormalizeSpanKind(k))
	}
	return q
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	flags := addCommonFlags(fs)
	serverURL := addServerFlag(fs)
	topK := fs.Int("top-k", 0, "number of results (0 = configured default)")
	scope := fs.String("scope", "", "comma-separated path prefixes to search within")
	kinds := fs.String("kind", "", "comma-separated span kinds: function, class, method, import, other")
	symbols := fs.String("context", "", "comma-separated symbols near the cursor, used for dependency overlap")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(args))

	text := buildSearchQuery(fs.Args())
	if text == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	query := buildCodeQuery(text, *scope, *kinds, *symbols, *topK)
	format := cli.ParseOutputFormat(*outputFormat)

	var (
		response *models.SearchResponse
		err      error
	)
	if *serverURL != "" {
		response = &models.SearchResponse{}
		err = postJSON(*serverURL+"/api/v1/search", query, response)
	} else {
		ctx := context.Background()
		l := openLocal(ctx, flags, false)
		defer l.Close()
		response, err = l.session.Engine.SearchCode(ctx, query)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		if response == nil || response.Reason == "" {
			os.Exit(1)
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runRelated(args []string) {
	fs := flag.NewFlagSet("related", flag.ExitOnError)
	flags := addCommonFlags(fs)
	serverURL := addServerFlag(fs)
	limit := fs.Int("limit", 10, "number of files")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(args))
	if fs.NArg() < 1 {
		fatalf("Usage: kensaku related [flags] <file>")
	}
	file := fs.Arg(0)

	var files []*models.ProjectFile
	if *serverURL != "" {
		var out struct {
			Files []*models.ProjectFile `json:"files"`
		}
		q := url.Values{"path": {file}, "limit": {fmt.Sprint(*limit)}}
		if err := getJSON(*serverURL+"/api/v1/files/related?"+q.Encode(), &out); err != nil {
			fatalf("Related files failed: %v", err)
		}
		files = out.Files
	} else {
		ctx := context.Background()
		l := openLocal(ctx, flags, false)
		defer l.Close()
		var err error
		files, err = l.session.Engine.SuggestRelatedFiles(ctx, l.session.RelPath(absIfExists(file)), *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Related files failed: %v\n", err)
			return
		}
	}
	if err := cli.WriteFiles(os.Stdout, files, cli.ParseOutputFormat(*outputFormat)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// absIfExists resolves a path given relative to the working directory, so that
// "kensaku related ./pkg/a.go" works from inside the project.
func absIfExists(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return path
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	flags := addCommonFlags(fs)
	serverURL := addServerFlag(fs)
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	status := &models.IndexStatus{}
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/status", status); err != nil {
			fatalf("Status failed: %v", err)
		}
	} else {
		ctx := context.Background()
		l := openLocal(ctx, flags, false)
		defer l.Close()
		var err error
		if status, err = l.session.Engine.IndexStatus(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return
		}
	}
	if err := cli.WriteStatus(os.Stdout, status, cli.ParseOutputFormat(*outputFormat)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	flags := addCommonFlags(fs)
	serverURL := addServerFlag(fs)
	_ = fs.Parse(args)

	var res struct {
		Candidates int `json:"candidates"`
		Touched    int `json:"touched"`
		Removed    int `json:"removed"`
	}
	if *serverURL != "" {
		if err := postJSON(*serverURL+"/api/v1/sweep", nil, &res); err != nil {
			fatalf("Sweep failed: %v", err)
		}
	} else {
		ctx := context.Background()
		l := openLocal(ctx, flags, false)
		defer l.Close()
		r, err := l.session.Pipeline.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
			return
		}
		res.Candidates, res.Touched, res.Removed = r.Candidates, r.Touched, r.Removed
	}
	fmt.Printf("Sweep checked %d file(s): %d still present, %d removed\n", res.Candidates, res.Touched, res.Removed)
}

// apiError is the error body returned by the server.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Reason  string `json:"reason"`
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func postJSON(target string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(target, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func getJSON(target string, out any) error {
	resp, err := http.Get(target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse decodes a 2xx body into out. Error bodies become an *apiError; search
// failures also decode into out so the reason can be shown.
func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	apiErr := &apiError{Status: resp.StatusCode}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	_ = json.Unmarshal(data, out)
	return apiErr
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printUsage() {
	fmt.Println(`kensaku - semantic code search for a local project

Usage:
  kensaku server [flags]            Serve the project over HTTP and watch it for changes
  kensaku index [flags] <dir>       Index every source file under a directory
  kensaku search [flags] <query>    Find code similar to a snippet or description
  kensaku related [flags] <file>    Suggest files related to a file
  kensaku status [flags]            Show index status
  kensaku sweep [flags]             Reconcile files that have not been seen for a while
  kensaku version                   Show version
  kensaku help                      Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kensaku/config.yaml, or ./config.yaml)
  --project string   Project root (default: current directory)
  --debug            Enable debug logging

Query Flags (search, related, status, sweep):
  --server string    Server URL (default: $KENSAKU_SERVER). Empty opens the project directly.
  --output string    Output format: text, compact (search only), or json

Search Flags:
  --top-k int        Number of results (default from config)
  --scope string     Comma-separated path prefixes
  --kind string      Comma-separated span kinds
  --context string   Comma-separated symbols near the cursor

Server Flags:
  --watch            Watch the project for changes (default: true)

Environment:
  A .env file in the working directory is loaded first. OPENAI_API_KEY (or the variable named
  by embedding.api_key_env) is used by the openai embedding provider.

Examples:
  kensaku index .
  kensaku search "func Open(path string) (*DB, error)"
  kensaku search --scope internal/ --kind function --output json "retry with backoff"
  kensaku related internal/storage/sqlite.go
  kensaku server --project ~/src/app
  KENSAKU_SERVER=http://localhost:8712 kensaku status`)
}
