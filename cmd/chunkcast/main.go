package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jaywantadh/chunkcast/config"
	"github.com/jaywantadh/chunkcast/internal/metadata"
	"github.com/jaywantadh/chunkcast/internal/p2p"
	"github.com/jaywantadh/chunkcast/internal/storage"
	"github.com/jaywantadh/chunkcast/internal/transfer"
	"github.com/jaywantadh/chunkcast/pkg/env"
	"github.com/jaywantadh/chunkcast/pkg/httpserver"
	"github.com/jaywantadh/chunkcast/pkg/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "chunkcast",
		Usage: "Send files to several peers at once over flow-controlled channels",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: env.GetEnv("CHUNKCAST_CONFIG_DIR", "./config"), Usage: "directory holding config.yaml"},
			&cli.BoolFlag{Name: "debug", Value: env.GetEnvBool("CHUNKCAST_DEBUG", false), Usage: "verbose text logging"},
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Accept peers over TCP and websocket and receive files",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "connect", Usage: "TCP peer to dial on startup (host:port)"},
				},
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "Send files to one or more peers",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "peer", Aliases: []string{"p"}, Usage: "TCP peer address (host:port)"},
					&cli.StringSliceFlag{Name: "ws", Usage: "websocket peer URL (ws://host:port/ws)"},
					&cli.DurationFlag{Name: "dial-timeout", Value: time.Duration(env.GetEnvInt("CHUNKCAST_DIAL_TIMEOUT_SECONDS", 10)) * time.Second},
				},
				Action: send,
			},
			{
				Name:  "history",
				Usage: "List finished transfers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "direction", Usage: "send or receive"},
				},
				Action: history,
			},
			{
				Name:      "export",
				Usage:     "Write a received file out of the inbox",
				ArgsUsage: "FILE_ID DEST",
				Action:    export,
			},
			{
				Name:      "forget",
				Usage:     "Drop a transfer from history and delete its stored copy",
				ArgsUsage: "FILE_ID",
				Action:    forget,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Logger().Fatal(err)
	}
}

func setup(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	log := logging.Logger()

	n, err := openNode(cfg, true, nil)
	if err != nil {
		return err
	}
	defer n.close()

	addPeer := func(ch transfer.PeerChannel) {
		if err := n.engine.AddPeer(ch); err != nil {
			log.Warnf("⚠️ Dropping peer %s: %v", ch.ID(), err)
			ch.Close()
		}
	}

	network := p2p.NewTCPNetwork(cfg.NodeID, log.WithField("node", cfg.NodeID))
	if err := network.Listen(cfg.ListenAddr, func(ch *p2p.TCPChannel) { addPeer(ch) }); err != nil {
		return err
	}
	defer network.Stop()

	server := httpserver.New(cfg.HTTPAddr, n.engine, n.history, log.WithField("node", cfg.NodeID))
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, addr := range c.StringSlice("connect") {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ch, err := network.Dial(dialCtx, addr)
		cancel()
		if err != nil {
			log.Warnf("⚠️ %v", err)
			continue
		}
		addPeer(ch)
	}

	log.Infof("🚀 chunkcast node %s ready, receiving into %s", cfg.NodeID, inboxPath(cfg))
	<-ctx.Done()

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func send(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no files given", 1)
	}
	tcpPeers, wsPeers := c.StringSlice("peer"), c.StringSlice("ws")
	if len(tcpPeers) == 0 && len(wsPeers) == 0 {
		return cli.Exit("at least one --peer or --ws is required", 1)
	}

	cfg, err := setup(c)
	if err != nil {
		return err
	}
	log := logging.Logger()

	printer := newProgressPrinter()
	n, err := openNode(cfg, false, printer.print)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	network := p2p.NewTCPNetwork(cfg.NodeID, log.WithField("node", cfg.NodeID))
	var channels []transfer.PeerChannel
	for _, addr := range tcpPeers {
		dialCtx, cancel := context.WithTimeout(ctx, c.Duration("dial-timeout"))
		ch, err := network.Dial(dialCtx, addr)
		cancel()
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}
	for _, url := range wsPeers {
		dialCtx, cancel := context.WithTimeout(ctx, c.Duration("dial-timeout"))
		ch, err := p2p.DialWS(dialCtx, url, cfg.NodeID, log.WithField("node", cfg.NodeID))
		cancel()
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	destinations := make([]string, 0, len(channels))
	for _, ch := range channels {
		if err := n.engine.AddPeer(ch); err != nil {
			return err
		}
		destinations = append(destinations, ch.ID())
	}

	var handles []*transfer.TransferHandle
	for _, path := range c.Args().Slice() {
		h, err := n.engine.SendFile(path, destinations)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("📤 Queued %s as %s\n", filepath.Base(path), h.FileID())
		handles = append(handles, h)
	}

	failed := 0
	for _, h := range handles {
		res, err := h.Wait(ctx)
		if err != nil {
			for _, rest := range handles {
				rest.Cancel()
			}
			res, _ = h.Wait(context.Background())
		}
		printer.finish()
		printResult(res)
		if res.Status != transfer.StatusSent || len(res.Completed) != len(destinations) {
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d file(s) did not reach every peer", failed, len(handles)), 1)
	}
	return nil
}

func printResult(res transfer.Result) {
	switch res.Status {
	case transfer.StatusSent:
		fmt.Printf("✅ %s: sent to %s\n", res.Name, strings.Join(res.Completed, ", "))
	case transfer.StatusFailed:
		fmt.Printf("❌ %s: failed: %v\n", res.Name, res.Err)
	default:
		fmt.Printf("🚫 %s: cancelled\n", res.Name)
	}
	if len(res.Cancelled) > 0 {
		fmt.Printf("   cancelled for %s\n", strings.Join(res.Cancelled, ", "))
	}
	if len(res.Failed) > 0 {
		fmt.Printf("   failed for %s\n", strings.Join(res.Failed, ", "))
	}
}

// progressPrinter keeps one status line per destination up to date.
type progressPrinter struct {
	mu     sync.Mutex
	latest map[string]transfer.Progress
	order  []string
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{latest: make(map[string]transfer.Progress)}
}

func (p *progressPrinter) print(sample transfer.Progress) {
	if sample.Direction != transfer.DirectionSend {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.latest[sample.PeerID]; !ok {
		p.order = append(p.order, sample.PeerID)
	}
	p.latest[sample.PeerID] = sample

	parts := make([]string, 0, len(p.order))
	for _, peer := range p.order {
		s := p.latest[peer]
		parts = append(parts, fmt.Sprintf("%s %.0f%%", shortID(peer), s.Percent))
	}
	fmt.Printf("\r⏳ %s  %s", sample.Name, strings.Join(parts, " | "))
}

func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) > 0 {
		fmt.Println()
	}
	p.latest = make(map[string]transfer.Progress)
	p.order = nil
}

func history(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	store, err := metadata.OpenMetadataStore(metadataPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	records, err := store.ListTransferRecords(c.String("direction"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE ID\tDIRECTION\tSTATUS\tNAME\tSIZE\tPEERS\tFINISHED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(rec.FileID), rec.Direction, rec.Status, rec.Name, rec.Size,
			strings.Join(shortIDs(rec.Peers), ","), rec.FinishedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func export(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: chunkcast export FILE_ID DEST", 1)
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	store, err := metadata.OpenMetadataStore(metadataPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	rec, err := store.FindTransferRecord(c.Args().Get(0))
	if err != nil {
		return err
	}
	if rec.Direction != string(transfer.DirectionReceive) || rec.StoredPath == "" {
		return fmt.Errorf("%s was not received by this node", rec.FileID)
	}

	inbox, err := storage.NewInbox(inboxPath(cfg), cfg.CompressAtRest)
	if err != nil {
		return err
	}
	dest := c.Args().Get(1)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(rec.Name))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	written, err := inbox.Export(rec.FileID, dest)
	if err != nil {
		return err
	}
	fmt.Printf("📦 Exported %s (%d bytes) to %s\n", rec.Name, written, dest)
	return nil
}

func forget(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: chunkcast forget FILE_ID", 1)
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	store, err := metadata.OpenMetadataStore(metadataPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	rec, err := store.FindTransferRecord(c.Args().Get(0))
	if err != nil {
		return err
	}
	if rec.StoredPath != "" {
		inbox, err := storage.NewInbox(inboxPath(cfg), cfg.CompressAtRest)
		if err != nil {
			return err
		}
		if err := inbox.Remove(rec.FileID); err != nil {
			logging.Logger().Warnf("⚠️ Stored copy of %s not removed: %v", rec.FileID, err)
		}
	}
	if err := store.DeleteTransferRecord(rec.FileID, rec.Direction); err != nil {
		return err
	}
	fmt.Printf("🗑️ Forgot %s (%s)\n", rec.Name, shortID(rec.FileID))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}
