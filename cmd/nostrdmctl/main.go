package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/nostrdm/internal/api"
	"github.com/matheus3301/nostrdm/internal/lock"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/session"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if !lock.Held(session.LockPath(sessionName)) {
		fail("nostrdmd is not running for session %q", sessionName)
	}
	c, err := api.NewClient(session.SocketPath(sessionName))
	if err != nil {
		fail("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	out := output{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out, session.LockPath(sessionName))
	case "whoami":
		cmdWhoami(ctx, c, out, args[1:])
	case "conversations":
		cmdConversations(ctx, c, out)
	case "messages":
		need(args, 2, "messages <npub> [limit]")
		limit := 0
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil {
				fail("invalid limit %q", args[2])
			}
		}
		cmdMessages(ctx, c, out, args[1], limit)
	case "send":
		cmdSend(ctx, c, out, args[1:])
	case "read":
		need(args, 2, "read <npub>")
		if err := c.MarkRead(ctx, args[1]); err != nil {
			fail("%v", err)
		}
		out.text("Marked as read.")
	case "sync":
		need(args, 2, "sync <start|stop|status>")
		cmdSync(ctx, c, out, args[1])
	case "signout":
		if err := c.SignOut(ctx); err != nil {
			fail("%v", err)
		}
		out.text("Signed out. The local cache was deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: nostrdmctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show session status")
	fmt.Fprintln(os.Stderr, "  whoami [--qr]           Show the signed-in npub")
	fmt.Fprintln(os.Stderr, "  conversations           List conversations")
	fmt.Fprintln(os.Stderr, "  messages <npub> [n]     Show the last n messages with npub")
	fmt.Fprintln(os.Stderr, "  send [--attach <file>]... <npub> [text]")
	fmt.Fprintln(os.Stderr, "                          Send a direct message")
	fmt.Fprintln(os.Stderr, "  read <npub>             Mark a conversation as read")
	fmt.Fprintln(os.Stderr, "  watch                   Stream incoming and sent messages")
	fmt.Fprintln(os.Stderr, "  sync start|stop|status  Control background sync")
	fmt.Fprintln(os.Stderr, "  signout                 Sign out and delete the local cache")
}

type output struct {
	json bool
}

// emit prints v as JSON in --json mode and returns whether it did.
func (o output) emit(v any) bool {
	if !o.json {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
	return true
}

func (o output) text(msg string) {
	if !o.emit(map[string]string{"result": msg}) {
		fmt.Println(msg)
	}
}

func cmdStatus(ctx context.Context, c *api.Client, out output, lockPath string) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		fail("%v", err)
	}
	if out.emit(resp) {
		return
	}
	fmt.Printf("Session:       %s\n", resp.Session)
	fmt.Printf("Status:        %s\n", resp.Status)
	if resp.Npub != "" {
		fmt.Printf("Identity:      %s (%s signer)\n", resp.Npub, resp.Signer)
	}
	fmt.Printf("Relays:        %s\n", strings.Join(resp.Relays, ", "))
	fmt.Printf("Conversations: %d\n", resp.ConversationCount)
	fmt.Printf("Messages:      %d\n", resp.MessageCount)
	fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	if info, err := lock.Holder(lockPath); err == nil {
		fmt.Printf("Daemon PID:    %d\n", info.PID)
	}
}

func cmdWhoami(ctx context.Context, c *api.Client, out output, args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	showQR := fs.Bool("qr", false, "render the npub as a QR code")
	_ = fs.Parse(args)

	resp, err := c.GetStatus(ctx)
	if err != nil {
		fail("%v", err)
	}
	if resp.Npub == "" {
		fail("no identity signed in (status %s)", resp.Status)
	}
	if out.emit(map[string]string{"npub": resp.Npub, "pubkey": resp.Pubkey}) {
		return
	}
	fmt.Println(resp.Npub)
	if *showQR {
		qr, err := renderQR("nostr:" + resp.Npub)
		if err != nil {
			fail("render QR: %v", err)
		}
		fmt.Print("\n" + qr)
	}
}

func cmdConversations(ctx context.Context, c *api.Client, out output) {
	convs, err := c.ListConversations(ctx)
	if err != nil {
		fail("%v", err)
	}
	if out.emit(convs) {
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range convs {
		name := conv.DisplayName
		if name == "" {
			name = shortNpub(conv.Pubkey)
		}
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = firstLine(conv.LastMessage.Content, 48)
		}
		fmt.Printf("%-24s %s%s  %s\n", name, when(conv.LastMessageAt), unread, preview)
	}
}

func cmdMessages(ctx context.Context, c *api.Client, out output, who string, limit int) {
	msgs, err := c.ListMessages(ctx, who, limit)
	if err != nil {
		fail("%v", err)
	}
	if out.emit(msgs) {
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

// fileList collects repeated --attach flags.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func cmdSend(ctx context.Context, c *api.Client, out output, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var attach fileList
	fs.Var(&attach, "attach", "file to attach (repeatable)")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 || (len(rest) == 1 && len(attach) == 0) {
		fail("usage: nostrdmctl send [--attach <file>]... <npub> [text]")
	}
	req := api.SendMessageRequest{Recipient: rest[0], Content: strings.Join(rest[1:], " ")}
	for _, path := range attach {
		// The daemon resolves paths from its own working directory.
		abs, err := filepath.Abs(path)
		if err != nil {
			fail("%v", err)
		}
		req.Files = append(req.Files, api.FileRef{Path: abs})
	}

	resp, err := c.SendMessage(ctx, req)
	if err != nil {
		fail("%v", err)
	}
	if out.emit(resp) {
		return
	}
	fmt.Printf("Sent via %s\n", strings.Join(resp.PublishedRelays, ", "))
	for _, a := range resp.Message.Attachments {
		fmt.Printf("Attached %s: %s\n", a.Name, a.URL)
	}
	if resp.Partial {
		fmt.Printf("Warning: not every copy was stored (failed: %s)\n", strings.Join(resp.FailedRelays, ", "))
	}
}

func cmdSync(ctx context.Context, c *api.Client, out output, subcmd string) {
	switch subcmd {
	case "start":
		resp, err := c.StartSync(ctx)
		if err != nil {
			fail("%v", err)
		}
		if !out.emit(resp) {
			fmt.Println(resp.Message)
		}
	case "stop":
		if err := c.StopSync(ctx); err != nil {
			fail("%v", err)
		}
		out.text("Sync stopped.")
	case "status":
		resp, err := c.GetSyncStatus(ctx)
		if err != nil {
			fail("%v", err)
		}
		if out.emit(resp) {
			return
		}
		fmt.Printf("Running:      %v\n", resp.Running)
		fmt.Printf("Interval:     %s\n", time.Duration(resp.IntervalMs)*time.Millisecond)
		fmt.Printf("Empty cycles: %d\n", resp.EmptyCycles)
		if resp.LastCycleAtUnixMs > 0 {
			fmt.Printf("Last cycle:   %s (%d new)\n", time.UnixMilli(resp.LastCycleAtUnixMs).Format(time.Kitchen), resp.LastNew)
		}
		if resp.LastError != "" {
			fmt.Printf("Last error:   %s\n", resp.LastError)
		}
	default:
		fail("unknown sync subcommand: %s", subcmd)
	}
}

func cmdWatch(c *api.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out := output{json: jsonOut}
	err := c.WatchMessages(ctx, func(evt api.MessageEvent) {
		if out.emit(evt) || evt.Message == nil {
			return
		}
		printMessage(*evt.Message)
	})
	if err != nil && ctx.Err() == nil {
		fail("%v", err)
	}
}

func printMessage(m model.Message) {
	who := shortNpub(m.SenderPubkey)
	if m.IsSent {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", time.Unix(m.CreatedAt, 0).Format("2006-01-02 15:04"), who, m.Content)
	for _, a := range m.Attachments {
		fmt.Printf("    %s %s (%s)\n", a.Type, a.URL, a.Name)
	}
	if m.Context != nil {
		fmt.Printf("    re %s %s\n", m.Context.Type, m.Context.ID)
	}
}

func shortNpub(pk string) string {
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil || len(npub) < 20 {
		return pk
	}
	return npub[:12] + "…" + npub[len(npub)-6:]
}

func when(ts int64) string {
	t := time.Unix(ts, 0)
	if time.Since(t) < 24*time.Hour {
		return t.Format("15:04")
	}
	return t.Format("Jan 02")
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fail("usage: nostrdmctl %s", usage)
	}
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}
