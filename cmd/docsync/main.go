// Command docsync is a minimal client for exercising the Sync Server from a
// terminal: connect to a document, type lines to send as updates, watch
// remote updates and presence arrive.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/docsync/internal/config"
	"github.com/ehrlich-b/docsync/internal/logger"
	"github.com/ehrlich-b/docsync/internal/policy"
	"github.com/ehrlich-b/docsync/internal/protocol"
	"github.com/ehrlich-b/docsync/internal/sync"
)

func main() {
	var configPath string
	var url string
	var docID string
	var clientID string
	var manifestPath string

	root := &cobra.Command{
		Use:   "docsync [docId]",
		Short: "docsync client — connect to a document room and exchange updates interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				docID = args[0]
			}
			return run(configPath, url, docID, clientID, manifestPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to client config YAML")
	root.Flags().StringVar(&url, "url", "ws://localhost:8787", "gateway base URL")
	root.Flags().StringVar(&clientID, "client-id", "", "client identifier (default: random)")
	root.Flags().StringVar(&manifestPath, "manifest", "", "path to policy manifest YAML")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, baseURL, docID, clientID, manifestPath string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile, "docsync"); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if docID == "" {
		docID = cfg.DocID
	}
	if docID == "" {
		return fmt.Errorf("docId is required: pass it as an argument or set doc_id in the config")
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	manifest, err := policy.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	gatewayURL := strings.TrimRight(baseURL, "/") + "/ws/sync/" + docID

	client := sync.NewClient(sync.ClientConfig{
		URL:              gatewayURL,
		DocID:            docID,
		ClientID:         clientID,
		Manifest:         manifest,
		Capabilities:     protocol.Capabilities{MaxUpdateSize: manifest.MaxUpdateSize},
		Token:            cfg.Token,
		Reconnect:        cfg.Reconnect,
		PingInterval:     time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}, sync.NewWebSocketDialer(), sync.Handlers{
		OnStateChange: func(s sync.State) {
			fmt.Fprintf(os.Stderr, "[state] %s\n", s)
		},
		OnRemoteUpdate: func(data []byte, frontierTag string) {
			fmt.Printf("< %s (frontier=%s)\n", string(data), frontierTag)
		},
		OnPresenceUpdate: func(presences []protocol.PresenceEntry) {
			names := make([]string, len(presences))
			for i, p := range presences {
				names[i] = p.ClientID
			}
			fmt.Fprintf(os.Stderr, "[presence] %s\n", strings.Join(names, ", "))
		},
		OnError: func(err *sync.ClientError) {
			fmt.Fprintf(os.Stderr, "[error] %s\n", err)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintf(os.Stderr, "connected to %s as %s, type a line to send an update (ctrl-d to quit)\n", docID, clientID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			frontierTag := uuid.NewString()
			if _, err := client.SendUpdate(ctx, []byte(line), frontierTag, client.LastFrontierTag(), clientID); err != nil {
				fmt.Fprintf(os.Stderr, "[error] send update: %v\n", err)
			}
		}
	}
}
