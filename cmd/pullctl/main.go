package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pullstream/pullstream/internal/clienthttp"
	"github.com/pullstream/pullstream/internal/progress"
	"github.com/pullstream/pullstream/internal/termio"
)

const ctlVersion = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage()
		if len(args) == 0 {
			os.Exit(2)
		}
		return
	}
	if args[0] == "--version" || args[0] == "-v" {
		fmt.Fprintln(termio.Stdout(), ctlVersion)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "health":
		err = runHealth(ctx, args[1:])
	case "clients":
		err = runClients(ctx, args[1:])
	case "pull":
		err = runPull(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	case "list":
		err = runList(ctx, args[1:])
	default:
		fmt.Fprintf(termio.Stderr(), "pullctl: unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "pullctl: %v\n", err)
		os.Exit(1)
	}
}

// serverFlag registers the shared --server flag, honoring the same
// environment variable the agent uses.
func serverFlag(fs *flag.FlagSet) *string {
	def := "http://localhost:8080"
	if env := os.Getenv("PULLSTREAM_SERVER_URL"); env != "" {
		def = env
	}
	return fs.String("server", def, "server URL")
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	h, err := clienthttp.New(*server).GetHealth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(termio.Stdout(), "status=%s connected_clients=%d active_downloads=%d\n",
		h.Status, h.ConnectedClients, h.ActiveDownloads)
	return nil
}

func runClients(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clients", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	clients, err := clienthttp.New(*server).ListClients(ctx)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		fmt.Fprintln(termio.Stdout(), "no clients connected")
		return nil
	}
	for _, c := range clients {
		fmt.Fprintf(termio.Stdout(), "%s\tconnected=%v\tlast_seen=%s\n",
			c.ClientID, c.Connected, c.LastSeen.Format(time.RFC3339))
	}
	return nil
}

func runPull(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	server := serverFlag(fs)
	wait := fs.Bool("wait", false, "poll until the transfer finishes")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "status poll interval with --wait")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: pullctl pull [--wait] CLIENT_ID FILE_PATH")
	}
	clientID, filePath := fs.Arg(0), fs.Arg(1)

	c := clienthttp.New(*server)
	d, err := c.StartDownload(ctx, clientID, filePath)
	if err != nil {
		return err
	}
	fmt.Fprintf(termio.Stdout(), "download started id=%s client=%s path=%s\n", d.DownloadID, d.ClientID, d.FilePath)

	if !*wait {
		return nil
	}

	d, err = c.WaitForDownload(ctx, d.DownloadID, *pollInterval)
	if err != nil {
		return err
	}
	printDownload(d)
	if d.Status == "failed" {
		return fmt.Errorf("download failed: %s", d.Error)
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pullctl status DOWNLOAD_ID")
	}

	d, err := clienthttp.New(*server).GetDownload(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printDownload(d)
	return nil
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)

	downloads, err := clienthttp.New(*server).ListDownloads(ctx)
	if err != nil {
		return err
	}
	if len(downloads) == 0 {
		fmt.Fprintln(termio.Stdout(), "no downloads")
		return nil
	}
	for _, d := range downloads {
		fmt.Fprintf(termio.Stdout(), "%s\t%s\t%s\t%s\t%s\n",
			d.DownloadID, d.ClientID, d.Status, progress.FormatBytes(d.BytesReceived), d.FilePath)
	}
	return nil
}

func printDownload(d clienthttp.Download) {
	fmt.Fprintf(termio.Stdout(), "id=%s client=%s status=%s\n", d.DownloadID, d.ClientID, d.Status)
	fmt.Fprintf(termio.Stdout(), "  remote=%s\n", d.FilePath)
	fmt.Fprintf(termio.Stdout(), "  local=%s\n", d.LocalPath)
	fmt.Fprintf(termio.Stdout(), "  received=%s in %d chunks\n", progress.FormatBytes(d.BytesReceived), d.ChunksReceived)
	if d.CompletedAt != nil {
		fmt.Fprintf(termio.Stdout(), "  finished=%s\n", d.CompletedAt.Format(time.RFC3339))
	}
	if d.Error != "" {
		fmt.Fprintf(termio.Stdout(), "  error=%s\n", d.Error)
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: pullctl COMMAND [flags]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  health                       server health summary")
	fmt.Fprintln(termio.Stderr(), "  clients                      list connected agents")
	fmt.Fprintln(termio.Stderr(), "  pull CLIENT_ID FILE_PATH     pull a file from an agent (--wait to block)")
	fmt.Fprintln(termio.Stderr(), "  status DOWNLOAD_ID           show one download")
	fmt.Fprintln(termio.Stderr(), "  list                         list all downloads")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  --server URL                 server URL (default http://localhost:8080)")
}
