// dashctl controls a Wi-Fi dashcam over its HTTP command interface.
//
// Sub-commands:
//
//	dashctl list [-sort col] [-desc]     List recordings on the card
//	dashctl delete [-y] <path>           Delete a recording
//	dashctl url <path>                   Print the playback URL of a recording
//	dashctl status                       Query mode and recording state
//	dashctl ping                         Send one heartbeat
//	dashctl record                       Toggle recording
//	dashctl mode                         Advance to the next mode
//	dashctl photo                        Take a photo
//	dashctl sync-clock                   Set the device clock to local time
//	dashctl liveview                     Print the live view stream URL
//	dashctl wifi -ssid X [-password Y]   Change the access point credentials
//	dashctl wifi-restart                 Restart the device access point
//	dashctl archive <path>               Copy a recording to object storage
//	dashctl serve                        Run the local API, heartbeat and bridges
//
// Every sub-command accepts -device and -log-level, which override
// DASHCTL_DEVICE_URL and LOG_LEVEL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/dashctl/dashctl/internal/archive"
	"github.com/dashctl/dashctl/internal/config"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/catalog"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/retry"
	"github.com/dashctl/dashctl/pkg/session"
	"github.com/dashctl/dashctl/pkg/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "list", "ls":
		cmdList(args)
	case "delete", "rm":
		cmdDelete(args)
	case "url":
		cmdURL(args)
	case "status":
		cmdStatus(args)
	case "refresh":
		cmdStatus(args)
	case "ping":
		cmdPing(args)
	case "record":
		cmdRecord(args)
	case "mode":
		cmdMode(args)
	case "photo":
		cmdPhoto(args)
	case "sync-clock":
		cmdSyncClock(args)
	case "liveview":
		cmdLiveView(args)
	case "wifi":
		cmdWifi(args)
	case "wifi-restart":
		cmdWifiRestart(args)
	case "archive":
		cmdArchive(args)
	case "serve":
		cmdServe(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: dashctl <command> [flags]

Commands:
  list [-sort col] [-desc]     List recordings (col: index, name, size, time)
  delete [-y] <path>           Delete a recording
  url <path>                   Print the playback URL of a recording
  status                       Query mode and recording state
  refresh                      Same as status
  ping                         Send one heartbeat
  record                       Toggle recording
  mode                         Advance to the next mode
  photo                        Take a photo
  sync-clock                   Set the device clock to local time
  liveview                     Print the live view stream URL
  wifi -ssid X [-password Y]   Change the access point credentials
  wifi-restart                 Restart the device access point
  archive <path>               Copy a recording to object storage
  serve                        Run the local API, heartbeat and bridges`)
}

// env is what every sub-command needs after flag parsing.
type env struct {
	cfg    *config.Config
	client *transport.Client
	ctrl   *session.Controller
}

// setup parses the common flags plus whatever the caller registered on fs,
// loads config and builds a controller. Heartbeat is not started.
func setup(fs *flag.FlagSet, args []string) *env {
	device := fs.String("device", "", "Device base URL (overrides DASHCTL_DEVICE_URL)")
	level := fs.String("log-level", "", "Log level (overrides LOG_LEVEL)")
	fs.Parse(args)

	if *device != "" {
		os.Setenv("DASHCTL_DEVICE_URL", *device)
	}
	if *level != "" {
		os.Setenv("LOG_LEVEL", *level)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("Error: %v", err)
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	}); err != nil {
		fatalf("Error: init logging: %v", err)
	}

	client := transport.New(transport.Config{
		BaseURL: cfg.DeviceURL,
		Timeout: cfg.Timeout,
	})
	ctrl := session.New(client, session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FailureThreshold:  cfg.HeartbeatFailures,
		SyncOnHeartbeat:   cfg.SyncOnHeartbeat,
	})
	return &env{cfg: cfg, client: client, ctrl: ctrl}
}

func (e *env) close() {
	e.ctrl.Close()
	logging.Sync()
}

func commandContext(e *env) (context.Context, context.CancelFunc) {
	// Two round trips at most per command, plus slack for retries.
	return context.WithTimeout(context.Background(), 4*e.cfg.Timeout)
}

// fetchCatalog loads the file list, retrying transport failures only.
func fetchCatalog(ctx context.Context, cat *catalog.Catalog) ([]models.FileRecord, error) {
	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = retry.TransportOnly
	return retry.DoWithResult(ctx, cfg, cat.Fetch)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	sortBy := fs.String("sort", "", "Sort column: index, name, size, time")
	desc := fs.Bool("desc", false, "Sort descending")
	e := setup(fs, args)
	defer e.close()

	column, err := catalog.ParseColumn(*sortBy)
	if err != nil {
		fatalf("Error: %v", err)
	}

	ctx, cancel := commandContext(e)
	defer cancel()

	cat := catalog.New(e.client, e.ctrl.Guard)
	if _, err := fetchCatalog(ctx, cat); err != nil {
		fail(err)
	}
	records := cat.SortDirected(column, !*desc)

	if len(records) == 0 {
		fmt.Println("No recordings on the card.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tSIZE (MB)\tTIME\tPATH")
	var total int64
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\n", r.Index, r.Name, r.SizeMB, r.Time, r.Path)
		total += r.Bytes
	}
	w.Flush()
	fmt.Printf("\n%d recordings, %.2f MB\n", len(records), models.SizeMB(total))
}

func cmdDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	yes := fs.Bool("y", false, "Do not ask for confirmation")
	e := setup(fs, args)
	defer e.close()

	if fs.NArg() < 1 {
		fatalf("Usage: dashctl delete [-y] <path>")
	}
	path := fs.Arg(0)

	if !*yes && !confirm(fmt.Sprintf("Delete %s?", path)) {
		fmt.Println("Cancelled.")
		return
	}

	ctx, cancel := commandContext(e)
	defer cancel()

	cat := catalog.New(e.client, e.ctrl.Guard)
	if _, err := cat.Delete(ctx, path); err != nil {
		fail(err)
	}
	records, err := fetchCatalog(ctx, cat)
	if err != nil {
		fmt.Printf("Deleted %s (file list not reloaded: %v)\n", path, err)
		return
	}
	fmt.Printf("Deleted %s, %d recordings remain\n", path, len(records))
}

func cmdURL(args []string) {
	fs := flag.NewFlagSet("url", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	if fs.NArg() < 1 {
		fatalf("Usage: dashctl url <path>")
	}
	fmt.Println(catalog.PlaybackURL(e.ctrl.BaseURL(), fs.Arg(0)))
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	snap, err := e.ctrl.Refresh(ctx)
	printState(e.ctrl.BaseURL(), snap)
	if err != nil {
		fail(err)
	}
}

func cmdPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	start := time.Now()
	if err := e.ctrl.HeartbeatOnce(ctx); err != nil {
		fail(err)
	}
	fmt.Printf("Device answered in %s\n", time.Since(start).Round(time.Millisecond))
}

func cmdRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	recording, err := e.ctrl.ToggleRecordingChecked(ctx)
	if err != nil {
		fail(err)
	}
	if recording {
		fmt.Println("Recording started.")
	} else {
		fmt.Println("Recording stopped.")
	}
}

func cmdMode(args []string) {
	fs := flag.NewFlagSet("mode", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	next, err := e.ctrl.AdvanceModeChecked(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Mode: %s\n", next)
}

func cmdPhoto(args []string) {
	fs := flag.NewFlagSet("photo", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	if err := e.ctrl.TakePhoto(ctx); err != nil {
		fail(err)
	}
	fmt.Println("Photo taken.")
}

func cmdSyncClock(args []string) {
	fs := flag.NewFlagSet("sync-clock", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	now := time.Now()
	if err := e.ctrl.SyncClock(ctx, now); err != nil {
		if cse, ok := session.AsClockSync(err); ok {
			fmt.Fprintf(os.Stderr, "Date: %s\nTime: %s\n", outcome(cse.DateErr), outcome(cse.TimeErr))
		}
		fail(err)
	}
	fmt.Printf("Clock set to %s\n", now.Format("2006-01-02 15:04:05"))
}

func cmdLiveView(args []string) {
	fs := flag.NewFlagSet("liveview", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	mode, err := e.ctrl.QueryMode(ctx)
	if err != nil {
		fail(err)
	}
	link, err := e.ctrl.LiveViewLink(ctx, mode)
	if err != nil {
		fail(err)
	}
	fmt.Println(link)
}

func cmdWifi(args []string) {
	fs := flag.NewFlagSet("wifi", flag.ExitOnError)
	ssid := fs.String("ssid", "", "New access point name (required)")
	password := fs.String("password", "", "New passphrase (prompted if empty)")
	e := setup(fs, args)
	defer e.close()

	if *ssid == "" {
		fatalf("Error: -ssid is required")
	}
	if *password == "" {
		fmt.Print("Passphrase: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fatalf("Error reading passphrase: %v", err)
		}
		*password = string(b)
	}

	ctx, cancel := commandContext(e)
	defer cancel()

	if err := e.ctrl.ConfigureWifi(ctx, *ssid, *password); err != nil {
		if wce, ok := session.AsWifiConfig(err); ok {
			fmt.Fprintf(os.Stderr, "SSID: %s\nPassphrase: %s\n", outcome(wce.SSIDErr), outcome(wce.PasswordErr))
		}
		fail(err)
	}
	fmt.Println("Credentials stored. Run 'dashctl wifi-restart' to apply them.")
}

func cmdWifiRestart(args []string) {
	fs := flag.NewFlagSet("wifi-restart", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	ctx, cancel := commandContext(e)
	defer cancel()

	if err := e.ctrl.RestartWifi(ctx); err != nil {
		fail(err)
	}
	fmt.Println("Access point restarting. Reconnect to the new network.")
}

func cmdArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	e := setup(fs, args)
	defer e.close()

	if fs.NArg() < 1 {
		fatalf("Usage: dashctl archive <path>")
	}
	if !e.cfg.ArchiveEnabled() {
		fatalf("Error: S3_BUCKET is not set")
	}

	ctx, cancel := commandContext(e)
	cat := catalog.New(e.client, e.ctrl.Guard)
	_, err := fetchCatalog(ctx, cat)
	cancel()
	if err != nil {
		fail(err)
	}
	rec, ok := cat.Find(fs.Arg(0))
	if !ok {
		fatalf("Error: %s is not on the card", fs.Arg(0))
	}

	arch, err := newArchiver(context.Background(), e)
	if err != nil {
		fatalf("Error: %v", err)
	}
	key, err := arch.Archive(context.Background(), rec)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Archived %s to s3://%s/%s\n", rec.Name, e.cfg.S3Bucket, key)
}

func newArchiver(ctx context.Context, e *env) (*archive.Archiver, error) {
	return archive.New(ctx, archive.Config{
		Endpoint:  e.cfg.S3Endpoint,
		Bucket:    e.cfg.S3Bucket,
		AccessKey: e.cfg.S3AccessKey,
		SecretKey: e.cfg.S3SecretKey,
		Region:    e.cfg.S3Region,
		Prefix:    e.cfg.S3Prefix,
		UseSSL:    e.cfg.S3UseSSL,
	}, e.client.WithoutTimeout(), e.ctrl.BaseURL())
}

func printState(device string, s models.StateSnapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", device)
	fmt.Fprintf(w, "Mode:\t%s\n", s.Mode)
	fmt.Fprintf(w, "Recording:\t%v\n", s.Recording)
	fmt.Fprintf(w, "Connected:\t%v\n", s.Connected)
	fmt.Fprintf(w, "Session:\t%s\n", s.SessionID)
	w.Flush()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// fail prints err and exits. Rejections carry the device's status code.
func fail(err error) {
	if code, ok := fault.Code(err); ok {
		fmt.Fprintf(os.Stderr, "Error: device rejected the command (status %s)\n", code)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	logging.Sync()
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
