package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/bamsammich/backupq/internal/config"
	"github.com/bamsammich/backupq/internal/worker"
)

const clientTimeout = 10 * time.Second

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "server URL (default: read from the discovery file)")
	cmd.Flags().String("data-dir", "", "data directory holding the discovery file")
}

// serverURL resolves the base URL of a running server from --server or the
// discovery file the server writes on startup.
func serverURL(cmd *cobra.Command) (string, error) {
	if s, _ := cmd.Flags().GetString("server"); s != "" { //nolint:errcheck // flag name is hardcoded
		return normalizeURL(s), nil
	}

	dataDir, _ := cmd.Flags().GetString("data-dir") //nolint:errcheck // flag name is hardcoded
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		dataDir = cfg.Index.DataDir
	}

	d, err := config.ReadDiscovery(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no running server found in %s (use --server)", dataDir)
	}
	if err != nil {
		return "", fmt.Errorf("read discovery file: %w", err)
	}
	return normalizeURL(d.Addr), nil
}

// normalizeURL turns "host:port" or ":port" into an http URL.
func normalizeURL(s string) string {
	s = strings.TrimRight(s, "/")
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if strings.HasPrefix(s, ":") {
		s = "127.0.0.1" + s
	}
	if strings.HasPrefix(s, "[::]:") {
		s = "127.0.0.1:" + strings.TrimPrefix(s, "[::]:")
	}
	if strings.HasPrefix(s, "0.0.0.0:") {
		s = "127.0.0.1:" + strings.TrimPrefix(s, "0.0.0.0:")
	}
	return "http://" + s
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <src> <dst>",
		Short: "Queue a backup task on a running server",
		Long: `Queue a backup task on a running server.

Relative paths are resolved against the current directory before they are
sent. With --mirror (the default) the source's directory name is appended
to the destination unless the destination already ends with it.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAdd,
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("filter-images", true, "skip image files")
	cmd.Flags().Bool("filter-nfo", true, "skip .nfo files")
	cmd.Flags().Bool("mirror", true, "append the source directory name to the destination")
	cmd.Flags().String("mode", string(worker.ModeIncremental), "incremental or full")
	return cmd
}

type addPayload struct {
	Src          string `json:"src"`
	Dst          string `json:"dst"`
	FilterImages bool   `json:"filter_images"`
	FilterNfo    bool   `json:"filter_nfo"`
	Mirror       bool   `json:"mirror"`
	Mode         string `json:"mode"`
}

type addResult struct {
	OK       bool          `json:"ok"`
	Queued   []worker.Task `json:"queued"`
	Rejected []struct {
		Src    string `json:"src"`
		Dst    string `json:"dst"`
		Reason string `json:"reason"`
	} `json:"rejected"`
	Error string `json:"error"`
}

func runAdd(cmd *cobra.Command, args []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	filterImages, _ := cmd.Flags().GetBool("filter-images") //nolint:errcheck // flag name is hardcoded
	filterNfo, _ := cmd.Flags().GetBool("filter-nfo")       //nolint:errcheck // flag name is hardcoded
	mirror, _ := cmd.Flags().GetBool("mirror")              //nolint:errcheck // flag name is hardcoded
	mode, _ := cmd.Flags().GetString("mode")                //nolint:errcheck // flag name is hardcoded

	src, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}

	body, err := json.Marshal(addPayload{
		Src:          src,
		Dst:          dst,
		FilterImages: filterImages,
		FilterNfo:    filterNfo,
		Mirror:       mirror,
		Mode:         mode,
	})
	if err != nil {
		return err
	}

	var res addResult
	if err := doJSON(cmd.Context(), http.MethodPost, base+"/api/add", body, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, t := range res.Queued {
		fmt.Fprintf(out, "queued %s: %s -> %s (mode=%s)\n", shortID(t.ID), t.Src, t.DestRoot(), t.Mode)
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected %s -> %s: %s\n", r.Src, r.Dst, r.Reason)
	}
	if res.Error != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", res.Error)
	}
	if !res.OK {
		return &exitError{code: 1}
	}
	return nil
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "queue",
		Short:         "List tasks waiting on a running server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := serverURL(cmd)
			if err != nil {
				return err
			}
			var res struct {
				Queue []worker.Task `json:"queue"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, base+"/api/queue", nil, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Queue) == 0 {
				fmt.Fprintln(out, "queue is empty")
				return nil
			}
			for i, t := range res.Queue {
				fmt.Fprintf(out, "%3d  %s  %s -> %s  mode=%s\n",
					i+1, shortID(t.ID), t.Src, t.DestRoot(), t.Mode)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show the worker state of a running server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := serverURL(cmd)
			if err != nil {
				return err
			}
			var st worker.Status
			if err := doJSON(cmd.Context(), http.MethodGet, base+"/api/status", nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:  %s\n", st.State)
			if st.Task != nil {
				fmt.Fprintf(out, "task:   %s -> %s (mode=%s)\n", st.Task.Src, st.Task.DestRoot(), st.Task.Mode)
				fmt.Fprintf(out, "stats:  %s\n", st.Stats)
			}
			fmt.Fprintf(out, "queued: %d\n", st.Queued)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "watch",
		Short:         "Follow the progress stream of a running server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWatch,
	}
	addClientFlags(cmd)
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return watch(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", cmd.OutOrStdout())
}

// watch copies every progress line from the WebSocket endpoint to out until
// ctx is cancelled or the server closes the stream.
func watch(ctx context.Context, url string, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.CloseNow() //nolint:errcheck // best-effort

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if _, err := fmt.Fprintln(out, string(msg)); err != nil {
			return err
		}
	}
}

func doJSON(ctx context.Context, method, url string, body []byte, v any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	// /api/add reports rejections in a 400 body; decode it either way.
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s %s: %s: %w", method, url, resp.Status, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
