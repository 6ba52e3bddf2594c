package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/agent"
	"github.com/AvengeMedia/pimsearch/internal/api"
	"github.com/AvengeMedia/pimsearch/internal/client"
	"github.com/AvengeMedia/pimsearch/internal/config"
	"github.com/AvengeMedia/pimsearch/internal/doctype"
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metastore"
	"github.com/AvengeMedia/pimsearch/internal/metrics"
	"github.com/AvengeMedia/pimsearch/internal/scheduler"
	"github.com/AvengeMedia/pimsearch/internal/searcher"
	"github.com/AvengeMedia/pimsearch/internal/server"
	"github.com/AvengeMedia/pimsearch/internal/store/fsstore"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var (
	Version   string = "dev"
	buildTime string = "unknown"
	commit    string = "unknown"

	configFile string
	storeRoot  string
	dataDir    string
	listenAddr string
	logLevel   string
	noWatch    bool
	httpOnly   bool
	socketOnly bool

	searchQuery  string
	searchTypes  string
	searchLimit  int
	searchOffset int
	searchJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "pimsearch",
	Short: "Personal information search service",
	Long:  "Indexes mail, contacts, events and notes with Bleve and answers structured queries",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the indexing and search service",
	RunE:  runServe,
}

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search the indexes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSearch,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the search indexes",
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexing status per domain",
	RunE:  runIndexStatus,
}

var indexSyncCmd = &cobra.Command{
	Use:   "sync [collection]",
	Short: "Schedule a full sync of one collection, or of all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndexSync,
}

var indexCollectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List store collections",
	RunE:  runIndexCollections,
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all indexes and ids; the next serve rebuilds them",
	RunE:  runIndexReset,
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Act on store items",
}

var itemsMoveCmd = &cobra.Command{
	Use:   "move <collection> <id>...",
	Short: "Move items into another collection",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runItemsMove,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		log.Infof("pimsearch version %s", Version)
		log.Infof("  Build time: %s", buildTime)
		log.Infof("  Commit: %s", commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ~/.config/pimsearch/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "index and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&storeRoot, "root", "", "store root directory")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the store change feed")
	serveCmd.Flags().BoolVar(&httpOnly, "http", false, "run HTTP server only (no unix socket)")
	serveCmd.Flags().BoolVar(&socketOnly, "socket", false, "run unix socket server only (no HTTP)")

	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "structured query document (JSON)")
	searchCmd.Flags().StringVarP(&searchTypes, "type", "t", "", "comma separated type names (e.g. Email,Contact)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum number of results")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "number of results to skip")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results in JSON format")

	indexCmd.AddCommand(indexStatusCmd)
	indexCmd.AddCommand(indexSyncCmd)
	indexCmd.AddCommand(indexCollectionsCmd)
	indexCmd.AddCommand(indexResetCmd)

	itemsCmd.AddCommand(itemsMoveCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(itemsCmd)
	rootCmd.AddCommand(versionCmd)
}

func buildConfig() *config.Config {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = config.GetDefaultConfigPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if storeRoot != "" {
		cfg.StoreRoot = storeRoot
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log.SetLevel(cfg.LogLevel)
	return cfg
}

// lockDataDir takes the exclusive data directory lock. Only one process may
// open the indexes at a time.
func lockDataDir(cfg *config.Config) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "pimsearch.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("data directory %s is in use by another pimsearch process", cfg.DataDir)
	}
	return lock, nil
}

type indexes struct {
	types       *doctype.Set
	items       map[string]*index.Engine
	collections *index.Engine
}

func openIndexes(cfg *config.Config) *indexes {
	types := doctype.Default().Filter(cfg.TypeEnabled)
	idx := &indexes{types: types, items: make(map[string]*index.Engine)}

	for _, t := range types.Items() {
		engine := index.Open(t.Name(), filepath.Join(cfg.IndexDir(), t.Name()))
		if err := engine.Err(); err != nil {
			log.Errorf("%s index unavailable: %v", t.Name(), err)
		}
		idx.items[t.Name()] = engine
	}

	name := types.Collection().Name()
	idx.collections = index.Open(name, filepath.Join(cfg.IndexDir(), name))
	if err := idx.collections.Err(); err != nil {
		log.Errorf("%s index unavailable: %v", name, err)
	}
	return idx
}

func (idx *indexes) searcher() *searcher.Searcher {
	var stores []searcher.Store
	for _, t := range idx.types.Items() {
		stores = append(stores, searcher.Store{Type: t, Engine: idx.items[t.Name()]})
	}
	stores = append(stores, searcher.Store{Type: idx.types.Collection(), Engine: idx.collections})
	return searcher.New(stores...)
}

func (idx *indexes) Close() {
	for name, engine := range idx.items {
		if err := engine.Close(); err != nil {
			log.Warnf("failed to close %s index: %v", name, err)
		}
	}
	if err := idx.collections.Close(); err != nil {
		log.Warnf("failed to close collection index: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if httpOnly && socketOnly {
		return fmt.Errorf("cannot specify both --http and --socket flags")
	}

	cfg := buildConfig()

	lock, err := lockDataDir(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if cfg.Metrics {
		metrics.Register()
	}

	meta, err := metastore.New(cfg.MetaPath())
	if err != nil {
		return err
	}
	defer meta.Close()

	st, err := fsstore.New(cfg, meta)
	if err != nil {
		return err
	}
	defer st.Close()

	idx := openIndexes(cfg)
	defer idx.Close()

	var domains []*agent.Domain
	for _, t := range idx.types.Items() {
		engine := idx.items[t.Name()]
		committer := scheduler.NewCommitter(t.Name(), cfg.CommitInterval(), engine.Commit)
		sched := scheduler.New(scheduler.Options{
			Domain:          t.Name(),
			BusyWindow:      cfg.BusyWindow(),
			ProcessInterval: cfg.ProcessInterval(),
			BatchSize:       cfg.FetchBatchSize,
			MimeTypes:       t.MimeTypes(),
		}, st, engine, t, committer, meta)
		domains = append(domains, &agent.Domain{Type: t, Engine: engine, Committer: committer, Scheduler: sched})
	}

	collections := &agent.CollectionIndex{
		Type:      idx.types.Collection(),
		Engine:    idx.collections,
		Committer: scheduler.NewCommitter(idx.types.Collection().Name(), cfg.CommitInterval(), idx.collections.Commit),
	}

	a := agent.New(st, domains, collections)
	s := idx.searcher()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errChan := make(chan error, 3)
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := a.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	var w *fsstore.Watcher
	if !noWatch {
		w, err = fsstore.NewWatcher(st)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			log.Errorf("failed to start watcher: %v", err)
			log.Infof("continuing without change notifications")
		}
	}

	var httpServer *server.HTTPServer
	var unixServer *server.UnixServer

	if !socketOnly {
		httpServer = server.NewHTTP(server.HTTPOptions{
			Addr:    cfg.ListenAddr,
			Version: Version,
			Metrics: cfg.Metrics,
		}, s, a)
		go func() {
			errChan <- httpServer.Start()
		}()
	}

	if !httpOnly {
		unixServer = server.NewUnix(server.NewRouter(s, a), Version)
		go func() {
			errChan <- unixServer.Start()
		}()
	}

	var runErr error
	select {
	case runErr = <-errChan:
		cancel()
	case <-ctx.Done():
		log.Infof("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if w != nil && w.IsRunning() {
		w.Stop()
	}
	if unixServer != nil {
		unixServer.Close()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	<-agentDone
	return runErr
}

func searchRequest(text string) api.SearchRequest {
	return api.SearchRequest{
		Query:  searchQuery,
		Text:   text,
		Types:  searchTypes,
		Limit:  searchLimit,
		Offset: searchOffset,
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	text := ""
	if len(args) > 0 {
		text = args[0]
	}
	req := searchRequest(text)

	result, err := client.Search(&client.SearchOptions{
		Query:  req.Query,
		Text:   req.Text,
		Types:  req.Types,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil && !errors.Is(err, client.ErrNotRunning) {
		return err
	}

	if err != nil {
		result, err = searchDirect(req)
		if err != nil {
			return err
		}
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	log.Infof("found %d results", result.Total)
	for i, hit := range result.Hits {
		log.Infof("%d. [%s] %d (collection %d) %s", searchOffset+i+1, hit.Type, hit.ID, hit.Collection, hit.Data)
	}
	return nil
}

func searchDirect(req api.SearchRequest) (*searcher.Result, error) {
	cfg := buildConfig()

	lock, err := lockDataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("server not running and cannot open indexes: %v", err)
	}
	defer lock.Unlock()

	q, err := req.Build()
	if err != nil {
		return nil, err
	}

	idx := openIndexes(cfg)
	defer idx.Close()

	return idx.searcher().Search(context.Background(), q)
}

func runIndexStatus(cmd *cobra.Command, args []string) error {
	status, err := client.Status()
	if err != nil {
		return err
	}

	log.Infof("Indexing: %s", status.State)
	for _, d := range status.Domains {
		if d.State == scheduler.StatusWorking {
			log.Infof("  %s: %s collection %d (%s, %d%%), %d queued, %d dirty",
				d.Domain, d.State, d.Collection, d.Mode, d.Percent, d.Queued, d.Dirty)
			continue
		}
		log.Infof("  %s: %s, %d queued, %d dirty", d.Domain, d.State, d.Queued, d.Dirty)
	}
	return nil
}

func runIndexSync(cmd *cobra.Command, args []string) error {
	var id int64
	if len(args) > 0 {
		var err error
		id, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid collection id %q", args[0])
		}
	}

	n, err := client.Sync(id)
	if err != nil {
		return err
	}
	log.Infof("scheduled full sync of %d collection(s)", n)
	return nil
}

func runIndexCollections(cmd *cobra.Command, args []string) error {
	collections, err := client.Collections()
	if err != nil {
		return err
	}

	for _, c := range collections {
		var notes []string
		if c.Virtual {
			notes = append(notes, "virtual")
		}
		if c.IndexingDisabled {
			notes = append(notes, "not indexed")
		}
		line := fmt.Sprintf("%d\t%s (parent %d)", c.ID, c.Name, c.Parent)
		if len(notes) > 0 {
			line += " [" + strings.Join(notes, ", ") + "]"
		}
		fmt.Println(line)
	}
	return nil
}

func runIndexReset(cmd *cobra.Command, args []string) error {
	if client.IsRunning() {
		return fmt.Errorf("stop the running service before resetting")
	}

	cfg := buildConfig()

	lock, err := lockDataDir(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	meta, err := metastore.New(cfg.MetaPath())
	if err != nil {
		return err
	}
	defer meta.Close()

	items, collections, err := meta.Counts()
	if err != nil {
		return err
	}
	if err := meta.Clear(); err != nil {
		return err
	}
	if err := os.RemoveAll(cfg.IndexDir()); err != nil {
		return fmt.Errorf("failed to remove indexes: %w", err)
	}

	log.Infof("forgot %d items in %d collections, removed %s", items, collections, cfg.IndexDir())
	return nil
}

func runItemsMove(cmd *cobra.Command, args []string) error {
	to, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q", args[0])
	}

	ids := make([]int64, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id %q", arg)
		}
		ids = append(ids, id)
	}

	if err := client.MoveItems(ids, to); err != nil {
		return err
	}
	log.Infof("moved %d item(s) to collection %d", len(ids), to)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
